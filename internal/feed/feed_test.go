package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// createMockFeedServer creates a test WebSocket server.
func createMockFeedServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

// httpToWS converts http:// URL to ws://
func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func TestDialer_SubscribesOnDial(t *testing.T) {
	received := make(chan []byte, 1)

	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-received:
		var frame subscribeFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatalf("Bad subscribe frame: %v", err)
		}
		if frame.Action != "subscribe" || len(frame.Symbols) != 2 {
			t.Errorf("Frame = %+v, want subscribe with 2 symbols", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("Server never received the subscribe frame")
	}
}

func TestConn_ReadTick(t *testing.T) {
	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // consume the subscribe frame

		// Noise frames first: the reader must skip them.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not even json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","symbol":"AAPL","price":0}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"tick","symbol":"AAPL","price":150.25,"change":1.5,"change_percent":1.01,"volume":9000,"timestamp":1700000000000}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	tick, err := conn.ReadTick(context.Background())
	if err != nil {
		t.Fatalf("ReadTick failed: %v", err)
	}
	if tick.Symbol != "AAPL" {
		t.Errorf("Symbol = %s, want AAPL", tick.Symbol)
	}
	if !tick.Price.Equal(decimal.NewFromFloat(150.25)) {
		t.Errorf("Price = %s, want 150.25", tick.Price)
	}
	if tick.Volume != 9000 {
		t.Errorf("Volume = %d, want 9000", tick.Volume)
	}
	if tick.TsUnixM != 1700000000000*1000 {
		t.Errorf("TsUnixM = %d, want millis converted to micros", tick.TsUnixM)
	}
}

func TestConn_ReadTickFailsOnServerClose(t *testing.T) {
	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		// Close without a close frame: unclean from the client's view.
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ReadTick(context.Background()); err == nil {
		t.Error("Expected read error after server close")
	}
}

func TestConn_ReadTickHonorsContext(t *testing.T) {
	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := conn.ReadTick(ctx); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestConn_WatchReplacesSubscription(t *testing.T) {
	frames := make(chan subscribeFrame, 2)

	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame subscribeFrame
			if json.Unmarshal(msg, &frame) == nil {
				frames <- frame
			}
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	<-frames // initial subscribe

	if err := conn.Watch([]string{"AAPL", "NOK"}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	select {
	case frame := <-frames:
		if len(frame.Symbols) != 2 {
			t.Errorf("Watch frame symbols = %v, want 2 entries", frame.Symbols)
		}
	case <-time.After(time.Second):
		t.Fatal("Server never received the updated watch set")
	}
}

func TestConn_HeartbeatPing(t *testing.T) {
	pinged := make(chan struct{}, 4)

	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(appData string) error {
			pinged <- struct{}{}
			// Gorilla's default handler replies with a pong; do the same.
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		conn.ReadMessage() // subscribe frame
		// Keep reading so control frames get processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	dialer := NewDialer(Config{
		URL:               httpToWS(server.URL),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("Server never received a heartbeat ping")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	server := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})
	defer server.Close()

	dialer := NewDialer(Config{URL: httpToWS(server.URL)})
	conn, err := dialer.Dial(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	conn.Close()
	conn.Close() // must not panic
}
