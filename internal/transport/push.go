package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/netmon"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsPongTimeout      = 60 * time.Second
	wsPingInterval     = 25 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// frame is the JSON protocol on the websocket, both directions.
type frame struct {
	Type              string          `json:"type"` // message | status | typing_start | typing_stop | read_receipt | subscribe
	Message           *domain.Message `json:"message,omitempty"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	MessageID         string          `json:"message_id,omitempty"`
	Status            string          `json:"status,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	DisplayName       string          `json:"display_name,omitempty"`
	LastReadMessageID string          `json:"last_read_message_id,omitempty"`
	At                time.Time       `json:"at,omitempty"`
}

// WSFeed is the push feed over a websocket. It owns the connection lifecycle:
// dial, read pump, reconnect with backoff, and connectivity reporting. Decoded
// events come out of Events(); everything unknown is dropped here so the
// reconciler only ever sees the closed event set.
type WSFeed struct {
	url    string
	token  string
	net    *netmon.Monitor
	logger *slog.Logger
	events chan domain.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]bool
	closed bool
}

type WSConfig struct {
	URL    string // ws:// or wss:// endpoint
	Token  string
	Net    *netmon.Monitor
	Logger *slog.Logger
}

func NewWSFeed(cfg WSConfig) *WSFeed {
	return &WSFeed{
		url:    cfg.URL,
		token:  cfg.Token,
		net:    cfg.Net,
		logger: cfg.Logger,
		events: make(chan domain.Event, 64),
		subs:   make(map[string]bool),
	}
}

func (f *WSFeed) Events() <-chan domain.Event { return f.events }

// Run dials and pumps the feed until ctx is cancelled, reconnecting with
// capped exponential backoff. The online state tracks the socket: connected
// means online.
func (f *WSFeed) Run(ctx context.Context) {
	defer close(f.events)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.FeedReconnects.Inc()
			backoff := time.Duration(attempt*attempt) * time.Second
			if backoff > wsMaxReconnectWait {
				backoff = wsMaxReconnectWait
			}
			backoff += time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			f.logger.Warn("feed reconnecting", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		attempt++

		connected, err := f.connectAndPump(ctx)
		if connected {
			attempt = 1
		}
		if err != nil {
			f.logger.Warn("feed connection lost", "err", err)
			continue
		}
		// Clean shutdown.
		return
	}
}

func (f *WSFeed) connectAndPump(ctx context.Context) (bool, error) {
	header := map[string][]string{}
	if f.token != "" {
		header["Authorization"] = []string{"Bearer " + f.token}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return true, nil
	}
	f.conn = conn
	subs := make([]string, 0, len(f.subs))
	for id := range f.subs {
		subs = append(subs, id)
	}
	f.mu.Unlock()

	f.logger.Info("feed connected", "url", f.url)
	f.net.Set(true)
	metrics.OnlineState.Set(1)
	defer func() {
		f.net.Set(false)
		metrics.OnlineState.Set(0)
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	// Re-subscribe after a reconnect.
	for _, id := range subs {
		if err := f.writeFrame(frame{Type: "subscribe", ConversationID: id}); err != nil {
			return true, err
		}
	}

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(conn, pingDone)

	for {
		if ctx.Err() != nil {
			return true, nil
		}
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		ev, ok := decodeFrame(fr)
		if !ok {
			metrics.EventsDropped.Inc()
			f.logger.Warn("dropping undecodable frame", "type", fr.Type)
			continue
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return true, nil
		}
	}
}

func (f *WSFeed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decodeFrame turns a wire frame into a domain event.
func decodeFrame(fr frame) (domain.Event, bool) {
	switch fr.Type {
	case "message":
		if fr.Message == nil {
			return nil, false
		}
		return domain.MessageInserted{Message: *fr.Message}, true
	case "status":
		st := domain.DeliveryStatus(fr.Status)
		if fr.MessageID == "" || !st.Valid() {
			return nil, false
		}
		return domain.StatusChanged{
			ConversationID: fr.ConversationID,
			MessageID:      fr.MessageID,
			Status:         st,
		}, true
	case "typing_start":
		if fr.UserID == "" {
			return nil, false
		}
		return domain.TypingStarted{
			ConversationID: fr.ConversationID,
			UserID:         fr.UserID,
			DisplayName:    fr.DisplayName,
		}, true
	case "typing_stop":
		if fr.UserID == "" {
			return nil, false
		}
		return domain.TypingStopped{ConversationID: fr.ConversationID, UserID: fr.UserID}, true
	case "read_receipt":
		if fr.UserID == "" {
			return nil, false
		}
		return domain.ReadReceiptUpdated{
			ConversationID:    fr.ConversationID,
			UserID:            fr.UserID,
			LastReadMessageID: fr.LastReadMessageID,
			At:                fr.At,
		}, true
	default:
		return nil, false
	}
}

// encodeEvent is the outbound direction, the subset clients originate.
func encodeEvent(ev domain.Event) (frame, error) {
	switch ev := ev.(type) {
	case domain.TypingStarted:
		return frame{
			Type:           "typing_start",
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			DisplayName:    ev.DisplayName,
		}, nil
	case domain.TypingStopped:
		return frame{Type: "typing_stop", ConversationID: ev.ConversationID, UserID: ev.UserID}, nil
	case domain.ReadReceiptUpdated:
		return frame{
			Type:              "read_receipt",
			ConversationID:    ev.ConversationID,
			UserID:            ev.UserID,
			LastReadMessageID: ev.LastReadMessageID,
			At:                ev.At,
		}, nil
	default:
		return frame{}, fmt.Errorf("event type %T is not client-originated", ev)
	}
}

// Subscribe registers interest in a conversation. Remembered across
// reconnects; a no-op on the wire while disconnected.
func (f *WSFeed) Subscribe(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	already := f.subs[conversationID]
	f.subs[conversationID] = true
	connected := f.conn != nil
	f.mu.Unlock()

	if already || !connected {
		return nil
	}
	return f.writeFrame(frame{Type: "subscribe", ConversationID: conversationID})
}

// Publish sends a client-originated signal upstream. Best effort: while
// disconnected the signal is dropped, peers recover via local expiry and the
// next receipt.
func (f *WSFeed) Publish(ctx context.Context, ev domain.Event) error {
	fr, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return f.writeFrame(fr)
}

func (f *WSFeed) writeFrame(fr frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return domain.NewServiceError(domain.NetworkError, "feed disconnected", nil)
	}
	payload, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, payload)
}

func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return f.conn.Close()
	}
	return nil
}
