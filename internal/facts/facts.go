// Package facts extracts coarse project metadata from assistant responses.
//
// Extraction is a best-effort heuristic. Each rule runs independently over the
// text and only fields that matched are populated.
package facts

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Record holds the structured facts for a session. Nil fields were not found.
type Record struct {
	NumDevelopers *int    `json:"num_developers,omitempty"`
	TimeEstimate  *string `json:"time_estimate,omitempty"`
	CostEstimate  *string `json:"cost_estimate,omitempty"`
	Services      *string `json:"services,omitempty"`
}

// Empty reports whether no field is set.
func (r Record) Empty() bool {
	return r.NumDevelopers == nil && r.TimeEstimate == nil && r.CostEstimate == nil && r.Services == nil
}

// Merge overlays the fields set in newer onto r.
func (r Record) Merge(newer Record) Record {
	out := r
	if newer.NumDevelopers != nil {
		out.NumDevelopers = newer.NumDevelopers
	}
	if newer.TimeEstimate != nil {
		out.TimeEstimate = newer.TimeEstimate
	}
	if newer.CostEstimate != nil {
		out.CostEstimate = newer.CostEstimate
	}
	if newer.Services != nil {
		out.Services = newer.Services
	}
	return out
}

// Policy selects how a new extraction is written over stored facts.
type Policy string

const (
	// PolicyMerge keeps stored fields the new extraction did not find.
	PolicyMerge Policy = "merge"
	// PolicyReplace overwrites every field, clearing ones not found.
	PolicyReplace Policy = "replace"
)

// ParsePolicy maps a config value to a Policy, defaulting to merge.
func ParsePolicy(s string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(s))) == PolicyReplace {
		return PolicyReplace
	}
	return PolicyMerge
}

// Apply combines stored and extracted according to p.
func (p Policy) Apply(stored, extracted Record) Record {
	if p == PolicyReplace {
		return extracted
	}
	return stored.Merge(extracted)
}

// Developer and duration digits must start at a clean boundary. Currency
// amounts are also masked out before those rules run.
const cleanStart = `(?:^|[^\d,.$€£¥\w])`

var (
	developersRe = regexp.MustCompile(`(?i)` + cleanStart + `(\d+)\s*(?:-\s*)?developers?\b`)
	durationRe   = regexp.MustCompile(`(?i)` + cleanStart + `(\d+)\s*(?:-\s*)?(hours?|days?|weeks?|months?)\b`)
	costRe       = regexp.MustCompile(`[$€£]\s?((?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{1,2})?)`)
)

// KnownServices is the fixed vocabulary matched by the services rule.
var KnownServices = []string{
	"Firebase", "Stripe", "AWS", "Azure", "Google Cloud", "Heroku", "Vercel",
	"Netlify", "Supabase", "Twilio", "SendGrid", "Mailchimp", "Auth0", "Okta",
	"PayPal", "Braintree", "Algolia", "Mapbox", "Google Maps", "Cloudinary",
	"Contentful", "Shopify", "Mixpanel", "Sentry", "Pusher",
	"OpenAI", "MongoDB Atlas", "DigitalOcean", "Cloudflare",
}

type servicePattern struct {
	name string
	re   *regexp.Regexp
}

var servicePatterns = compileServices(KnownServices)

func compileServices(names []string) []servicePattern {
	out := make([]servicePattern, 0, len(names))
	for _, name := range names {
		expr := `(?i)\b` + strings.ReplaceAll(regexp.QuoteMeta(name), " ", `\s+`) + `\b`
		out = append(out, servicePattern{name: strings.ToUpper(name), re: regexp.MustCompile(expr)})
	}
	return out
}

// Extract applies every rule to text. It never fails; an empty Record means
// nothing was found and nothing should be written.
func Extract(text string) Record {
	var rec Record
	if m := costRe.FindStringSubmatch(text); m != nil {
		value := m[1]
		rec.CostEstimate = &value
	}
	counted := maskCosts(text)
	if m := developersRe.FindStringSubmatch(counted); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			rec.NumDevelopers = &n
		}
	}
	if m := durationRe.FindStringSubmatch(counted); m != nil {
		value := m[1] + " " + strings.ToLower(m[2])
		rec.TimeEstimate = &value
	}
	if services := matchServices(text); services != "" {
		rec.Services = &services
	}
	return rec
}

// maskCosts blanks every currency amount so its digits cannot be read by
// another rule.
func maskCosts(text string) string {
	spans := costRe.FindAllStringIndex(text, -1)
	if spans == nil {
		return text
	}
	b := []byte(text)
	for _, span := range spans {
		for i := span[0]; i < span[1]; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

type hit struct {
	name string
	pos  int
}

func matchServices(text string) string {
	var hits []hit
	for _, sp := range servicePatterns {
		if loc := sp.re.FindStringIndex(text); loc != nil {
			hits = append(hits, hit{name: sp.name, pos: loc[0]})
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	names := make([]string, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.name]; ok {
			continue
		}
		seen[h.name] = struct{}{}
		names = append(names, h.name)
	}
	return strings.Join(names, ", ")
}
