package probe

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

func init() {
	RegisterProtocol("mqtt", mqttSchema(), newMQTTWorker)
}

func mqttSchema() []schema.Field {
	return []schema.Field{
		{Name: "broker_url", Type: schema.String, Required: true, Pattern: regexp.MustCompile(`^(tcp|ssl|ws|wss)://.+`)},
		{Name: "topic", Type: schema.String, Required: true},
		{Name: "client_id", Type: schema.String, Default: ""},
		{Name: "username", Type: schema.String, Default: ""},
		{Name: "password", Type: schema.String, Default: ""},
		{Name: "qos", Type: schema.Integer, Default: 0, Min: schema.Bound(0), Max: schema.Bound(2)},
		{Name: "connect_timeout", Type: schema.Integer, Default: 5000, Min: schema.Bound(100), Max: schema.Bound(30000)},
		{Name: "keep_alive", Type: schema.Integer, Default: 60, Min: schema.Bound(1), Max: schema.Bound(3600)},
	}
}

// mqttWorker subscribes to one topic on a broker and emits a success envelope
// per inbound message. Paho's own auto-reconnect stays off: connection loss
// is an operational error and the retry policy governs reconnection.
type mqttWorker struct {
	pushBase
	monitorID string
	cfg       map[string]any
	logger    *zap.Logger

	msgs chan pahomqtt.Message
	lost chan error
}

func newMQTTWorker(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	return &mqttWorker{
		pushBase:  newPushBase(sink),
		monitorID: monitorID,
		cfg:       cfg,
		logger:    logger,
		msgs:      make(chan pahomqtt.Message, 64),
		lost:      make(chan error, 1),
	}, nil
}

func (w *mqttWorker) Start() {
	go w.run()
}

func (w *mqttWorker) run() {
	defer close(w.done)

	for {
		client, failure := w.connect()
		if failure != nil {
			if !w.emit(*failure) {
				return
			}
			if !w.awaitRecover() {
				return
			}
			continue
		}

	pump:
		for {
			select {
			case m := <-w.msgs:
				env := envelope.Success(w.monitorID, map[string]any{
					"topic":   m.Topic(),
					"payload": decodeBody(m.Payload()),
					"qos":     int(m.Qos()),
				}, time.Time{})
				if !w.emit(env) {
					client.Disconnect(250)
					return
				}

			case err := <-w.lost:
				client.Disconnect(250)
				env := envelope.Failure(w.monitorID, envelope.ErrNetwork,
					"connection to broker lost", map[string]any{
						"reason": err.Error(),
						"broker": cfgString(w.cfg, "broker_url"),
					}, time.Time{})
				if !w.emit(env) {
					return
				}
				if !w.awaitRecover() {
					return
				}
				break pump // reconnect

			case action := <-w.cmds:
				if action.Command == CommandShutdown {
					client.Disconnect(250)
					w.logger.Debug("worker shutting down",
						zap.String("monitor_id", w.monitorID))
					return
				}
			}
		}
	}
}

// connect establishes the broker session and topic subscription. Returns the
// connected client, or the classified error envelope on failure.
func (w *mqttWorker) connect() (pahomqtt.Client, *envelope.Envelope) {
	timeout := cfgDuration(w.cfg, "connect_timeout")
	clientID := cfgString(w.cfg, "client_id")
	if clientID == "" {
		clientID = "argos-" + w.monitorID
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfgString(w.cfg, "broker_url")).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(timeout).
		SetKeepAlive(time.Duration(cfgInt(w.cfg, "keep_alive")) * time.Second).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			select {
			case w.lost <- err:
			default:
			}
		})
	if u := cfgString(w.cfg, "username"); u != "" {
		opts.SetUsername(u)
		opts.SetPassword(cfgString(w.cfg, "password"))
	}

	client := pahomqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		env := envelope.Failure(w.monitorID, envelope.ErrTimeout,
			"broker connect timed out", map[string]any{
				"reason": fmt.Sprintf("no CONNACK within %s", timeout),
				"broker": cfgString(w.cfg, "broker_url"),
			}, time.Time{})
		return nil, &env
	}
	if err := token.Error(); err != nil {
		env := envelope.Failure(w.monitorID, classifyMQTTError(err),
			err.Error(), map[string]any{
				"reason": err.Error(),
				"broker": cfgString(w.cfg, "broker_url"),
			}, time.Time{})
		return nil, &env
	}

	topic := cfgString(w.cfg, "topic")
	qos := byte(cfgInt(w.cfg, "qos"))
	sub := client.Subscribe(topic, qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		select {
		case w.msgs <- m:
		default:
			w.logger.Warn("mqtt message buffer full, dropping message",
				zap.String("monitor_id", w.monitorID),
				zap.String("topic", m.Topic()),
			)
		}
	})
	if !sub.WaitTimeout(timeout) || sub.Error() != nil {
		client.Disconnect(250)
		reason := "subscribe timed out"
		if sub.Error() != nil {
			reason = sub.Error().Error()
		}
		env := envelope.Failure(w.monitorID, envelope.ErrProtocol,
			"subscribe failed", map[string]any{
				"reason": reason,
				"topic":  topic,
			}, time.Time{})
		return nil, &env
	}

	w.logger.Debug("mqtt subscribed",
		zap.String("monitor_id", w.monitorID),
		zap.String("topic", topic),
	)
	return client, nil
}

func classifyMQTTError(err error) envelope.ErrorType {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password") {
		return envelope.ErrAuthentication
	}
	if strings.Contains(msg, "timeout") {
		return envelope.ErrTimeout
	}
	return envelope.ErrNetwork
}
