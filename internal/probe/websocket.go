package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

func init() {
	RegisterProtocol("websocket", websocketSchema(), newWebSocketWorker)
}

func websocketSchema() []schema.Field {
	return []schema.Field{
		{Name: "url", Type: schema.String, Required: true, Pattern: regexp.MustCompile(`^wss?://.+`)},
		{Name: "headers", Type: schema.Map, Default: map[string]any{}},
		{Name: "subscribe_message", Type: schema.String, Default: ""},
		{Name: "connect_timeout", Type: schema.Integer, Default: 5000, Min: schema.Bound(100), Max: schema.Bound(30000)},
	}
}

// wsWorker maintains a streaming WebSocket connection and emits a success
// envelope per inbound frame. On connection loss it emits a classified error
// envelope and waits for the coordinator's recover command before redialing.
type wsWorker struct {
	pushBase
	monitorID string
	cfg       map[string]any
	logger    *zap.Logger
}

func newWebSocketWorker(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	return &wsWorker{
		pushBase:  newPushBase(sink),
		monitorID: monitorID,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (w *wsWorker) Start() {
	go w.run()
}

func (w *wsWorker) run() {
	defer close(w.done)

	// Cancelling connCtx aborts both the dial and any blocked read.
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		conn, failure := w.dial(connCtx)
		if failure != nil {
			if !w.emit(*failure) {
				return
			}
			if !w.awaitRecover() {
				return
			}
			continue
		}

		frames := make(chan wsFrame, 64)
		go readFrames(connCtx, conn, frames)

	pump:
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					// readFrames exited without a terminal error; treat as loss.
					f = wsFrame{err: errors.New("stream closed")}
				}
				if f.err != nil {
					conn.Close(websocket.StatusNormalClosure, "")
					env := envelope.Failure(w.monitorID, classifyWSError(f.err),
						"websocket stream interrupted", map[string]any{
							"reason": f.err.Error(),
							"url":    cfgString(w.cfg, "url"),
						}, time.Time{})
					if !w.emit(env) {
						return
					}
					if !w.awaitRecover() {
						return
					}
					break pump // redial
				}
				env := envelope.Success(w.monitorID, map[string]any{
					"message": decodeBody(f.data),
					"type":    f.kind,
				}, time.Time{})
				if !w.emit(env) {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}

			case action := <-w.cmds:
				if action.Command == CommandShutdown {
					conn.Close(websocket.StatusNormalClosure, "")
					w.logger.Debug("worker shutting down",
						zap.String("monitor_id", w.monitorID))
					return
				}
			}
		}
	}
}

type wsFrame struct {
	kind string
	data []byte
	err  error
}

func readFrames(ctx context.Context, conn *websocket.Conn, out chan<- wsFrame) {
	defer close(out)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			out <- wsFrame{err: err}
			return
		}
		kind := "text"
		if typ == websocket.MessageBinary {
			kind = "binary"
		}
		out <- wsFrame{kind: kind, data: data}
	}
}

// dial opens the connection and sends the optional subscribe message. Returns
// the live connection, or the classified error envelope on failure.
func (w *wsWorker) dial(ctx context.Context) (*websocket.Conn, *envelope.Envelope) {
	target := cfgString(w.cfg, "url")
	timeout := cfgDuration(w.cfg, "connect_timeout")

	header := http.Header{}
	for k, v := range cfgMap(w.cfg, "headers") {
		header.Set(k, fmt.Sprint(v))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		details := map[string]any{
			"reason": err.Error(),
			"url":    target,
		}
		if resp != nil {
			details["status_code"] = resp.StatusCode
		}
		env := envelope.Failure(w.monitorID, classifyWSError(err),
			"websocket dial failed", details, time.Time{})
		return nil, &env
	}

	if sub := cfgString(w.cfg, "subscribe_message"); sub != "" {
		writeCtx, cancelWrite := context.WithTimeout(ctx, timeout)
		err := conn.Write(writeCtx, websocket.MessageText, []byte(sub))
		cancelWrite()
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			env := envelope.Failure(w.monitorID, envelope.ErrProtocol,
				"subscribe message rejected", map[string]any{
					"reason": err.Error(),
					"url":    target,
				}, time.Time{})
			return nil, &env
		}
	}

	w.logger.Debug("websocket connected",
		zap.String("monitor_id", w.monitorID),
		zap.String("url", target),
	)
	return conn, nil
}

func classifyWSError(err error) envelope.ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return envelope.ErrTimeout
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return envelope.ErrProtocol
	}
	return envelope.ErrNetwork
}
