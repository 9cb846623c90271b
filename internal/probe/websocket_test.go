package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// wsEchoServer accepts one connection, sends the given frames, then closes.
func wsTestServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startWSWorker(t *testing.T, raw map[string]any) (Worker, chan envelope.Envelope) {
	t.Helper()
	cfg, reasons := schema.Apply(websocketSchema(), raw)
	if len(reasons) > 0 {
		t.Fatalf("config invalid: %v", reasons)
	}
	sink := make(chan envelope.Envelope, 16)
	w, err := New("websocket", "m1", cfg, sink, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	t.Cleanup(func() {
		w.Recover(Shutdown())
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Error("worker did not terminate")
		}
	})
	return w, sink
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWSWorker_EmitsPerInboundMessage(t *testing.T) {
	srv := wsTestServer(t, []string{`{"seq":1}`, `{"seq":2}`})

	_, sink := startWSWorker(t, map[string]any{"url": wsURL(srv.URL)})

	for want := 1; want <= 2; want++ {
		env := recvEnvelope(t, sink)
		if env.IsError() {
			t.Fatalf("envelope %d is error: %+v", want, env.Error)
		}
		msg, ok := env.Data["message"].(map[string]any)
		if !ok || msg["seq"] != float64(want) {
			t.Errorf("message = %v, want seq %d", env.Data["message"], want)
		}
		if env.Data["type"] != "text" {
			t.Errorf("type = %v, want text", env.Data["type"])
		}
	}

	// Server close surfaces as an error envelope; worker then awaits recover.
	env := recvEnvelope(t, sink)
	if !env.IsError() {
		t.Fatalf("expected error envelope after close, got %+v", env)
	}
	if env.Error.Type != envelope.ErrProtocol {
		t.Errorf("error.type = %q, want protocol (close frame)", env.Error.Type)
	}

	select {
	case extra := <-sink:
		t.Fatalf("worker redialed without recover: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSWorker_DialFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := wsURL(srv.URL)
	srv.Close()

	_, sink := startWSWorker(t, map[string]any{"url": dead})

	env := recvEnvelope(t, sink)
	if !env.IsError() {
		t.Fatal("expected error envelope")
	}
	if env.Error.Type != envelope.ErrNetwork && env.Error.Type != envelope.ErrTimeout {
		t.Errorf("error.type = %q, want network or timeout", env.Error.Type)
	}
}

func TestWSWorker_RecoverRedials(t *testing.T) {
	srv := wsTestServer(t, []string{`"hello"`})
	w, sink := startWSWorker(t, map[string]any{"url": wsURL(srv.URL)})

	recvEnvelope(t, sink) // hello
	errEnv := recvEnvelope(t, sink)
	if !errEnv.IsError() {
		t.Fatal("expected error envelope after close")
	}

	// The test server accepts one connection per request; recover dials again
	// and the handler runs a second time.
	w.Recover(Retry(10 * time.Millisecond))
	again := recvEnvelope(t, sink)
	if again.IsError() {
		t.Fatalf("envelope after redial is error: %+v", again.Error)
	}
	if again.Data["message"] != "hello" {
		t.Errorf("message = %v, want hello", again.Data["message"])
	}
}

func TestWSWorker_SubscribeMessageSent(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(r.Context())
		if err == nil {
			got <- string(data)
		}
		conn.Write(r.Context(), websocket.MessageText, []byte(`"ack"`))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	_, sink := startWSWorker(t, map[string]any{
		"url":               wsURL(srv.URL),
		"subscribe_message": `{"subscribe":"ticks"}`,
	})

	select {
	case sub := <-got:
		if sub != `{"subscribe":"ticks"}` {
			t.Errorf("subscribe message = %q", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe message")
	}
	recvEnvelope(t, sink) // ack
}

func TestClassifyWSError(t *testing.T) {
	if got := classifyWSError(context.DeadlineExceeded); got != envelope.ErrTimeout {
		t.Errorf("deadline = %q, want timeout", got)
	}
}
