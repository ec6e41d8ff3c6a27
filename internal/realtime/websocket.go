package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// WebsocketConfig holds configuration for a WebsocketTransport.
type WebsocketConfig struct {
	// URL of the realtime endpoint, e.g. wss://example.supabase.co/realtime/v1/websocket.
	URL string

	// Topic is the broadcast channel to join.
	Topic string

	APIKey      string
	AccessToken string

	// Heartbeat is the interval between keepalive frames (default: 25s).
	Heartbeat time.Duration

	// DialTimeout bounds the handshake (default: 10s).
	DialTimeout time.Duration

	HTTPClient *http.Client
}

// frame is the envelope of every message on the socket.
type frame struct {
	Event       string          `json:"event"`
	Topic       string          `json:"topic"`
	AccessToken string          `json:"access_token,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ErrSubscribeRejected is returned when the server refuses the subscription.
var ErrSubscribeRejected = errors.New("realtime subscription rejected")

// WebsocketTransport receives broadcasts over a websocket.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	logger *zap.Logger
}

// NewWebsocketTransport creates a websocket transport.
func NewWebsocketTransport(cfg WebsocketConfig, logger *zap.Logger) *WebsocketTransport {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{cfg: cfg, logger: logger.Named("websocket")}
}

// Listen implements Transport.
func (w *WebsocketTransport) Listen(ctx context.Context, handle func([]byte)) error {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	header := http.Header{}
	if w.cfg.APIKey != "" {
		header.Set("apikey", w.cfg.APIKey)
	}
	conn, _, err := websocket.Dial(dialCtx, w.cfg.URL, &websocket.DialOptions{
		HTTPClient: w.cfg.HTTPClient,
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: failed to dial realtime endpoint: %w", ErrNotSubscribed, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(4 << 20)

	err = wsjson.Write(ctx, conn, frame{Event: "subscribe", Topic: w.cfg.Topic, AccessToken: w.cfg.AccessToken})
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe to %s: %w", ErrNotSubscribed, w.cfg.Topic, err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, conn)

	for {
		var msg frame
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime read failed: %w", err)
		}

		switch msg.Event {
		case "broadcast":
			if msg.Topic == w.cfg.Topic && len(msg.Payload) > 0 {
				handle(msg.Payload)
			}
		case "subscribe_error":
			return fmt.Errorf("%w: %s", ErrSubscribeRejected, string(msg.Payload))
		default:
			// Replies and heartbeats.
		}
	}
}

// heartbeat keeps the connection alive. A failed write closes the
// connection, which ends the read loop.
func (w *WebsocketTransport) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, w.cfg.Heartbeat)
			err := wsjson.Write(writeCtx, conn, frame{Event: "heartbeat", Topic: w.cfg.Topic})
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("heartbeat failed", zap.Error(err))
					_ = conn.CloseNow()
				}
				return
			}
		}
	}
}
