package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/netmon"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestFeedDecodesAndReportsConnectivity(t *testing.T) {
	inbound := make(chan frame, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(frame{Type: "message", Message: &domain.Message{
			ID: "srv-1", ConversationID: "c1", SenderID: "peer",
			Content: "hi", Kind: domain.KindText, Status: domain.StatusSent,
		}})
		conn.WriteJSON(frame{Type: "typing_start", ConversationID: "c1", UserID: "peer", DisplayName: "Peer"})
		conn.WriteJSON(frame{Type: "garbage"})
		conn.WriteJSON(frame{Type: "status", ConversationID: "c1", MessageID: "srv-1", Status: "read"})

		// Capture what the client publishes back.
		var fr frame
		if err := conn.ReadJSON(&fr); err == nil {
			inbound <- fr
		}
	}))
	defer srv.Close()

	net := netmon.New(testLogger())
	feed := NewWSFeed(WSConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Net:    net,
		Logger: testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	ev := <-feed.Events()
	ins, ok := ev.(domain.MessageInserted)
	if !ok || ins.Message.ID != "srv-1" {
		t.Fatalf("expected insert event, got %#v", ev)
	}
	if !net.Online() {
		t.Error("connected feed must report online")
	}

	if ev := <-feed.Events(); ev.(domain.TypingStarted).UserID != "peer" {
		t.Fatalf("expected typing event, got %#v", ev)
	}
	// The garbage frame is dropped, the status frame comes through next.
	st, ok := (<-feed.Events()).(domain.StatusChanged)
	if !ok || st.Status != domain.StatusRead {
		t.Fatalf("expected status event, got %#v", st)
	}

	if err := feed.Publish(ctx, domain.TypingStarted{ConversationID: "c1", UserID: "me"}); err != nil {
		t.Fatal(err)
	}
	select {
	case fr := <-inbound:
		if fr.Type != "typing_start" || fr.UserID != "me" {
			t.Errorf("unexpected published frame: %+v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published frame never reached the server")
	}
}

func TestFeedGoesOfflineWhenServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	net := netmon.New(testLogger())
	feed := NewWSFeed(WSConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Net:    net,
		Logger: testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offline := make(chan struct{}, 4)
	net.OnChange(func(online bool) {
		if !online {
			offline <- struct{}{}
		}
	})
	go feed.Run(ctx)

	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("feed never reported the lost connection")
	}
}

func TestEncodeRejectsServerOriginatedEvents(t *testing.T) {
	_, err := encodeEvent(domain.MessageInserted{})
	if err == nil {
		t.Fatal("message inserts are not client-originated")
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := []frame{
		{Type: "message"},                                  // missing payload
		{Type: "status", ConversationID: "c1"},             // missing message id
		{Type: "status", MessageID: "m1", Status: "bogus"}, // unknown status
		{Type: "typing_start", ConversationID: "c1"},       // missing user
		{Type: "read_receipt", ConversationID: "c1"},       // missing user
		{Type: "presence"},                                 // unknown type
	}
	for _, fr := range cases {
		if _, ok := decodeFrame(fr); ok {
			t.Errorf("frame %+v should not decode", fr)
		}
	}
}
