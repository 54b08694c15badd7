package chatcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/loqalabs/loqa-converse/internal/turn"
	"github.com/nats-io/nats.go"
)

// Transport carries turns and history queries to a runtime.
type Transport interface {
	Turn(ctx context.Context, req protocol.TurnRequest, fn func(protocol.Event) error) error
	History(ctx context.Context, sessionID string) (protocol.HistoryResponse, error)
	Close() error
}

type gatewayTransport struct {
	base     *url.URL
	chatPath string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newGatewayTransport(rawURL, chatPath string, logger *slog.Logger) (*gatewayTransport, error) {
	base, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("server url must be http or https, got %q", base.Scheme)
	}
	return &gatewayTransport{base: base, chatPath: chatPath, logger: logger}, nil
}

func (g *gatewayTransport) chatURL() string {
	u := *g.base
	u.Scheme = "ws"
	if g.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += g.chatPath
	return u.String()
}

// dial opens the websocket lazily and keeps it for later turns so the
// gateway can reuse the connection's session.
func (g *gatewayTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	if g.conn != nil {
		return g.conn, nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, g.chatURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	g.logger.Debug("connected", slog.String("url", g.chatURL()))
	g.conn = conn
	return conn, nil
}

func (g *gatewayTransport) Turn(ctx context.Context, req protocol.TurnRequest, fn func(protocol.Event) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		g.reset()
		return fmt.Errorf("send turn: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			g.reset()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

func (g *gatewayTransport) History(ctx context.Context, sessionID string) (protocol.HistoryResponse, error) {
	u := *g.base
	u.Path += "/v1/sessions/" + url.PathEscape(sessionID) + "/history"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return protocol.HistoryResponse{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return protocol.HistoryResponse{}, err
	}
	defer resp.Body.Close()

	var out protocol.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.HistoryResponse{}, fmt.Errorf("decode history: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return out, errors.New(out.Error)
		}
		return out, fmt.Errorf("history request failed with status %d", resp.StatusCode)
	}
	return out, nil
}

func (g *gatewayTransport) reset() {
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}

func (g *gatewayTransport) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	_ = g.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := g.conn.Close()
	g.conn = nil
	return err
}

type natsTransport struct {
	conn *nats.Conn
}

func dialNATS(rawURL string, logger *slog.Logger) (*natsTransport, error) {
	conn, err := nats.Connect(rawURL, nats.Name("loqa-chat"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Debug("connected", slog.String("url", conn.ConnectedUrl()))
	return &natsTransport{conn: conn}, nil
}

func (n *natsTransport) Turn(ctx context.Context, req protocol.TurnRequest, fn func(protocol.Event) error) error {
	return turn.RequestTurn(ctx, n.conn, req, fn)
}

func (n *natsTransport) History(ctx context.Context, sessionID string) (protocol.HistoryResponse, error) {
	return turn.RequestHistory(ctx, n.conn, sessionID)
}

func (n *natsTransport) Close() error {
	return n.conn.Drain()
}
