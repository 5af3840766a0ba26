package bitfinex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fastbook/internal/orderbook"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantKind    frameKind
		wantEntries []orderbook.Entry
		wantTS      int64
	}{
		{
			name:     "Heartbeat",
			input:    `[17082,"hb"]`,
			wantKind: frameHeartbeat,
		},
		{
			name:     "Checksum with timestamp",
			input:    `[17082,"cs",-1324531,1700000000123]`,
			wantKind: frameChecksum,
			wantTS:   1700000000123,
		},
		{
			name:     "Snapshot",
			input:    `[17082,[[64000,2,0.5],[64001,1,-1.25]],1700000000000]`,
			wantKind: frameSnapshot,
			wantEntries: []orderbook.Entry{
				{Price: 64000, Count: 2, Amount: 0.5},
				{Price: 64001, Count: 1, Amount: -1.25},
			},
			wantTS: 1700000000000,
		},
		{
			name:        "Update without timestamp",
			input:       `[17082,[64000,0,1]]`,
			wantKind:    frameUpdate,
			wantEntries: []orderbook.Entry{{Price: 64000, Count: 0, Amount: 1}},
		},
		{
			name:        "Update with timestamp",
			input:       `[17082,[64001,3,-2],1700000000500]`,
			wantKind:    frameUpdate,
			wantEntries: []orderbook.Entry{{Price: 64001, Count: 3, Amount: -2}},
			wantTS:      1700000000500,
		},
		{
			name:        "Empty snapshot",
			input:       `[17082,[]]`,
			wantKind:    frameSnapshot,
			wantEntries: []orderbook.Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFrame([]byte(tt.input))
			if err != nil {
				t.Fatalf("parseFrame(%s) returned error: %v", tt.input, err)
			}
			if f.ChanID != 17082 {
				t.Errorf("chanId = %d, expected 17082", f.ChanID)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("kind = %v, expected %v", f.Kind, tt.wantKind)
			}
			if len(f.Entries) != len(tt.wantEntries) {
				t.Fatalf("entries = %v, expected %v", f.Entries, tt.wantEntries)
			}
			for i := range f.Entries {
				if f.Entries[i] != tt.wantEntries[i] {
					t.Errorf("entry %d = %+v, expected %+v", i, f.Entries[i], tt.wantEntries[i])
				}
			}
			if tt.wantTS == 0 && !f.Timestamp.IsZero() {
				t.Errorf("unexpected timestamp %v", f.Timestamp)
			}
			if tt.wantTS != 0 && f.Timestamp.UnixMilli() != tt.wantTS {
				t.Errorf("timestamp = %d, expected %d", f.Timestamp.UnixMilli(), tt.wantTS)
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "Short frame", input: `[17082]`},
		{name: "Unknown tag", input: `[17082,"te"]`},
		{name: "Row too short", input: `[17082,[64000,1]]`},
		{name: "Non numeric payload", input: `[17082,{"a":1}]`},
		{name: "String channel", input: `["x",[64000,1,1]]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFrame([]byte(tt.input)); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
	if _, err := parseFrame([]byte(`not json`)); err == nil {
		t.Error("expected an error for invalid json")
	}
}

// fakeVenue plays the Bitfinex side of one websocket session.
func fakeVenue(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan *orderbook.Event) *orderbook.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestFeedDeliversSnapshotAndUpdates(t *testing.T) {
	srv := fakeVenue(t, func(conn *websocket.Conn) {
		var conf ConfRequest
		if err := conn.ReadJSON(&conf); err != nil || conf.Flags != flagTimestamp {
			t.Errorf("expected conf with timestamp flag, got %+v (%v)", conf, err)
			return
		}
		var sub SubscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Channel != "book" || sub.Symbol != "tBTCUSD" || sub.Prec != "P1" || sub.Len != "25" {
			t.Errorf("unexpected subscribe request %+v", sub)
		}
		frames := []string{
			`{"event":"info","version":2}`,
			`{"event":"subscribed","channel":"book","chanId":42,"symbol":"tBTCUSD","prec":"P1","len":"25"}`,
			`[42,[[64000,1,0.5],[64010,2,-1]],1700000000000]`,
			`[42,"hb",1700000000100]`,
			`[42,[64010,0,-1],1700000000200]`,
		}
		for _, fr := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		// Hold the session open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	feed := NewFeed(Config{Symbols: []string{"tBTCUSD"}, Precision: "P1", URL: wsURL(srv), Logger: zerolog.Nop()})
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer feed.Close()

	snap := nextEvent(t, feed.Events())
	if snap.Type != orderbook.Snapshot || snap.Symbol != "tBTCUSD" || len(snap.Entries) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("snapshot timestamp = %v", snap.Timestamp)
	}

	upd := nextEvent(t, feed.Events())
	if upd.Type != orderbook.Delta || len(upd.Entries) != 1 || upd.Entries[0].Count != 0 {
		t.Fatalf("unexpected update %+v", upd)
	}

	if !feed.IsConnected() {
		t.Error("feed should report connected")
	}
	if h := feed.Health(); h.MessageCount < 5 {
		t.Errorf("message count = %d, expected at least 5", h.MessageCount)
	}
}

func TestFeedResyncResubscribes(t *testing.T) {
	subscribes := make(chan SubscribeRequest, 4)
	srv := fakeVenue(t, func(conn *websocket.Conn) {
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["event"] {
			case "subscribe":
				subscribes <- SubscribeRequest{Symbol: msg["symbol"].(string)}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribed","channel":"book","chanId":7,"symbol":"tETHUSD"}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`[7,[[3000,1,2],[3001,1,-2]]]`))
			case "unsubscribe":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"unsubscribed","status":"OK","chanId":7}`))
			}
		}
	})
	defer srv.Close()

	feed := NewFeed(Config{Symbols: []string{"tETHUSD"}, URL: wsURL(srv), Logger: zerolog.Nop()})
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer feed.Close()

	<-subscribes
	if ev := nextEvent(t, feed.Events()); ev.Type != orderbook.Snapshot {
		t.Fatalf("expected initial snapshot, got %v", ev.Type)
	}

	if err := feed.Resync(context.Background(), "tETHUSD"); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	select {
	case sub := <-subscribes:
		if sub.Symbol != "tETHUSD" {
			t.Errorf("resubscribed %q", sub.Symbol)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resync never resubscribed")
	}
	if ev := nextEvent(t, feed.Events()); ev.Type != orderbook.Snapshot || ev.Symbol != "tETHUSD" {
		t.Fatalf("expected a fresh snapshot after resync, got %+v", ev)
	}
}

func TestFeedConnectFailure(t *testing.T) {
	feed := NewFeed(Config{Symbols: []string{"tBTCUSD"}, URL: "ws://127.0.0.1:1", Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := feed.Connect(ctx); err == nil {
		t.Fatal("expected connect error")
	}
	if feed.Health().ErrorCount != 1 {
		t.Errorf("error count = %d, expected 1", feed.Health().ErrorCount)
	}
	if err := feed.Close(); err != nil {
		t.Errorf("Close on unconnected feed returned %v", err)
	}
}
