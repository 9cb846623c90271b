package probe

import (
	"fmt"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

func init() {
	RegisterProtocol("icmp", icmpSchema(), newICMPWorker)
}

func icmpSchema() []schema.Field {
	return []schema.Field{
		{Name: "host", Type: schema.String, Required: true},
		{Name: "count", Type: schema.Integer, Default: 3, Min: schema.Bound(1), Max: schema.Bound(10)},
		{Name: "interval", Type: schema.Integer, Required: true, Min: schema.Bound(100), Max: schema.Bound(3600000)},
		{Name: "timeout", Type: schema.Integer, Default: 5000, Min: schema.Bound(100), Max: schema.Bound(30000)},
		{Name: "privileged", Type: schema.Boolean, Default: false},
	}
}

// icmpWorker pings a host each interval and reports round-trip statistics.
type icmpWorker struct {
	*poller
	monitorID  string
	host       string
	count      int
	timeout    time.Duration
	privileged bool
}

func newICMPWorker(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	w := &icmpWorker{
		monitorID:  monitorID,
		host:       cfgString(cfg, "host"),
		count:      cfgInt(cfg, "count"),
		timeout:    cfgDuration(cfg, "timeout"),
		privileged: cfgBool(cfg, "privileged"),
	}
	w.poller = newPoller(monitorID, cfgDuration(cfg, "interval"), w.probe, sink, logger)
	return w, nil
}

func (w *icmpWorker) probe(lastSuccess time.Time) envelope.Envelope {
	pinger, err := probing.NewPinger(w.host)
	if err != nil {
		return envelope.Failure(w.monitorID, envelope.ErrNetwork,
			fmt.Sprintf("resolve %s: %v", w.host, err), map[string]any{
				"reason": err.Error(),
				"host":   w.host,
			}, lastSuccess)
	}

	pinger.Count = w.count
	pinger.Timeout = w.timeout
	pinger.SetPrivileged(w.privileged)

	if err := pinger.Run(); err != nil {
		return envelope.Failure(w.monitorID, envelope.ErrNetwork,
			fmt.Sprintf("ping %s: %v", w.host, err), map[string]any{
				"reason": err.Error(),
				"host":   w.host,
			}, lastSuccess)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return envelope.Failure(w.monitorID, envelope.ErrTimeout,
			fmt.Sprintf("no reply from %s", w.host), map[string]any{
				"reason":       "100% packet loss",
				"host":         w.host,
				"packets_sent": stats.PacketsSent,
			}, lastSuccess)
	}

	return envelope.Success(w.monitorID, map[string]any{
		"host":         w.host,
		"packets_sent": stats.PacketsSent,
		"packets_recv": stats.PacketsRecv,
		"packet_loss":  stats.PacketLoss,
		"avg_rtt_ms":   float64(stats.AvgRtt) / float64(time.Millisecond),
		"max_rtt_ms":   float64(stats.MaxRtt) / float64(time.Millisecond),
	}, lastSuccess)
}
