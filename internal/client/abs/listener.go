package abs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/bookbridge/bookbridge/internal/logger"
)

// ProgressEvent is one playback progress notification from the server.
type ProgressEvent struct {
	ItemID      string  `json:"libraryItemId"`
	CurrentTime float64 `json:"currentTime"`
	Progress    float64 `json:"progress"`
	IsFinished  bool    `json:"isFinished"`
}

// EventHandler receives decoded progress events. It must not block; hand off
// to a channel or scheduler.
type EventHandler func(ProgressEvent)

// ErrAuthRejected is returned when the server refuses our token. The caller
// stops reconnecting and relies on polling alone.
var ErrAuthRejected = errors.New("event stream authentication rejected")

// Listener maintains the streaming connection to the Audiobookshelf server.
// The wire protocol is socket.io over a websocket: an engine.io handshake,
// ping/pong keepalives, and events as `42["name",payload]` text frames.
type Listener struct {
	baseURL string
	token   string
	handler EventHandler
	logger  *logger.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewListener creates a Listener. Run must be called to start it.
func NewListener(baseURL, token string, handler EventHandler) *Listener {
	return &Listener{
		baseURL:      baseURL,
		token:        token,
		handler:      handler,
		logger:       logger.Get().With(map[string]interface{}{"component": "abs_listener"}),
		reconnectMin: 2 * time.Second,
		reconnectMax: 2 * time.Minute,
	}
}

// Run connects and processes events until the context is cancelled. It
// reconnects with exponential back-off on transient failures and returns
// ErrAuthRejected permanently on an auth failure.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.reconnectMin
	for {
		err := l.connectAndListen(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			l.logger.Warn("Event stream disabled: server rejected credentials")
			return ErrAuthRejected
		default:
			l.logger.Warn("Event stream disconnected, reconnecting", map[string]interface{}{
				"error": err,
				"delay": delay.String(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.reconnectMax {
			delay = l.reconnectMax
		}
	}
}

func (l *Listener) connectAndListen(ctx context.Context) error {
	wsURL := strings.Replace(l.baseURL, "http", "ws", 1) + "/socket.io/?EIO=4&transport=websocket"

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + l.token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrAuthRejected
		}
		return fmt.Errorf("failed to dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	// engine.io handshake: server sends "0{...}", we answer with the
	// namespace connect "40" and then authenticate.
	if _, err := l.expectFrame(ctx, conn, "0"); err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("40")); err != nil {
		return fmt.Errorf("failed to join namespace: %w", err)
	}
	if _, err := l.expectFrame(ctx, conn, "40"); err != nil {
		return err
	}
	auth, _ := json.Marshal([]interface{}{"auth", l.token})
	if err := conn.Write(ctx, websocket.MessageText, append([]byte("42"), auth...)); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	l.logger.Info("Event stream connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("event stream read failed: %w", err)
		}
		if err := l.handleFrame(ctx, conn, string(data)); err != nil {
			return err
		}
	}
}

func (l *Listener) expectFrame(ctx context.Context, conn *websocket.Conn, prefix string) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return "", fmt.Errorf("handshake read failed: %w", err)
	}
	msg := string(data)
	if !strings.HasPrefix(msg, prefix) {
		return "", fmt.Errorf("unexpected handshake frame: %q", msg)
	}
	return msg, nil
}

func (l *Listener) handleFrame(ctx context.Context, conn *websocket.Conn, msg string) error {
	switch {
	case msg == "2": // engine.io ping
		return conn.Write(ctx, websocket.MessageText, []byte("3"))
	case strings.HasPrefix(msg, "44"): // namespace error, typically auth
		return ErrAuthRejected
	case strings.HasPrefix(msg, "42"):
		l.handleEvent(msg[2:])
		return nil
	default:
		return nil
	}
}

// handleEvent decodes `["event_name", payload]` and dispatches progress
// updates. Unknown events are ignored.
func (l *Listener) handleEvent(payload string) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || len(raw) < 2 {
		return
	}
	var name string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return
	}
	if name != "user_item_progress_updated" {
		return
	}

	// The payload nests the progress under "data" on newer servers and is
	// flat on older ones.
	var wrapped struct {
		Data *ProgressEvent `json:"data"`
		ProgressEvent
	}
	if err := json.Unmarshal(raw[1], &wrapped); err != nil {
		l.logger.Debug("Failed to decode progress event", map[string]interface{}{"error": err})
		return
	}
	ev := wrapped.ProgressEvent
	if wrapped.Data != nil {
		ev = *wrapped.Data
	}
	if ev.ItemID == "" {
		return
	}
	l.handler(ev)
}
