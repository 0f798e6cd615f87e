package stream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kalshibook/collector/internal/auth"
	"github.com/kalshibook/collector/internal/metrics"
)

func testCreds(t *testing.T) *auth.Credentials {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &auth.Credentials{KeyID: "test-key", PrivateKey: key}
}

// testServer upgrades one connection, captures the handshake headers, and
// hands the conn to fn.
func testServer(t *testing.T, fn func(*websocket.Conn, http.Header)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn, r.Header)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_HandshakeFrameAndCommand(t *testing.T) {
	frames := make(chan Frame, 10)
	commands := make(chan Command, 10)
	reconnected := make(chan struct{}, 1)

	srv := testServer(t, func(conn *websocket.Conn, hdr http.Header) {
		if hdr.Get(auth.HeaderKey) != "test-key" {
			t.Errorf("missing %s header", auth.HeaderKey)
		}
		if hdr.Get(auth.HeaderSignature) == "" || hdr.Get(auth.HeaderTimestamp) == "" {
			t.Error("missing signature or timestamp header")
		}

		// Push one data frame to the client.
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"orderbook_delta","sid":7,"seq":42,"msg":{"market_ticker":"MKT-A"}}`))

		// Read commands until the client goes away.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Errorf("bad command json: %v", err)
				continue
			}
			commands <- cmd
		}
	})

	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	cfg.Path = "/trade-api/ws/v2"

	client := New(cfg, testCreds(t), metrics.New(),
		func(f Frame) { frames <- f },
		func() {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		},
		slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("onReconnect never fired")
	}

	select {
	case f := <-frames:
		if f.Type != TypeOrderbookDelta || f.SID != 7 || f.Seq != 42 {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	id1, err := client.Subscribe([]string{ChannelOrderbook}, []string{"MKT-A", "MKT-B"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id2, err := client.Unsubscribe([]string{ChannelOrderbook}, []string{"MKT-A"})
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if id2 != id1+1 {
		t.Errorf("command ids not monotone: %d then %d", id1, id2)
	}

	cmd := <-commands
	if cmd.Cmd != "subscribe" || cmd.ID != id1 {
		t.Errorf("first command = %+v", cmd)
	}
	if len(cmd.Params.Channels) != 1 || cmd.Params.Channels[0] != ChannelOrderbook {
		t.Errorf("channels = %v", cmd.Params.Channels)
	}
	if len(cmd.Params.MarketTickers) != 2 {
		t.Errorf("tickers = %v", cmd.Params.MarketTickers)
	}

	cmd = <-commands
	if cmd.Cmd != "unsubscribe" || cmd.ID != id2 {
		t.Errorf("second command = %+v", cmd)
	}

	client.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestClient_SubscribeWhileDisconnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1" // never connects
	client := New(cfg, testCreds(t), metrics.New(), func(Frame) {}, func() {}, slog.Default())

	if _, err := client.Subscribe([]string{ChannelTrade}, nil); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_UnfilteredCommandOmitsTickers(t *testing.T) {
	cmd := Command{ID: 1, Cmd: "subscribe", Params: CommandParams{Channels: []string{ChannelLifecycle}}}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "market_tickers") {
		t.Errorf("unfiltered command should omit market_tickers: %s", data)
	}
}

func TestSubscribedMsg_Tickers(t *testing.T) {
	m := SubscribedMsg{MarketTicker: "ONLY"}
	if got := m.Tickers(); len(got) != 1 || got[0] != "ONLY" {
		t.Errorf("Tickers = %v", got)
	}
	m = SubscribedMsg{MarketTickers: []string{"A", "B"}, MarketTicker: "ignored"}
	if got := m.Tickers(); len(got) != 2 || got[0] != "A" {
		t.Errorf("Tickers = %v", got)
	}
	if got := (SubscribedMsg{}).Tickers(); got != nil {
		t.Errorf("Tickers = %v, want nil", got)
	}
}
