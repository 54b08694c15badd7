package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"
)

type cartesiaSynth struct {
	baseURL    string
	apiKey     string
	format     string
	sampleRate int
	channels   int
	client     *http.Client
}

// NewCartesiaSynth synthesizes through the Cartesia bytes endpoint. Voice
// names are Cartesia voice IDs.
func NewCartesiaSynth(baseURL, apiKey, format string, sampleRate, channels int) (Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("cartesia api key not configured")
	}
	if baseURL == "" {
		baseURL = cartesiaBaseURL
	}
	return &cartesiaSynth{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		format:     format,
		sampleRate: sampleRate,
		channels:   channels,
		client:     &http.Client{},
	}, nil
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (c *cartesiaSynth) outputFormat() cartesiaOutputFormat {
	sampleRate := c.sampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}
	if c.format == "wav" {
		return cartesiaOutputFormat{Container: "wav", Encoding: "pcm_s16le", SampleRate: sampleRate}
	}
	return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate}
}

func (c *cartesiaSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		audio, err := c.fetch(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: c.outputFormat().SampleRate,
			Channels:   c.channels,
			PCM:        audio,
			Final:      true,
		}
	}()
	return chunks, errs
}

func (c *cartesiaSynth) fetch(ctx context.Context, req SynthRequest) ([]byte, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:      cartesiaModel,
		Transcript:   req.Text,
		Voice:        cartesiaVoice{Mode: "id", ID: req.Voice},
		OutputFormat: c.outputFormat(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return []byte{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}
