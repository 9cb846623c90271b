package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
)

func init() {
	RegisterProtocol("snmp", snmpSchema(), newSNMPWorker)
}

func snmpSchema() []schema.Field {
	return []schema.Field{
		{Name: "host", Type: schema.String, Required: true},
		{Name: "port", Type: schema.Integer, Default: 161, Min: schema.Bound(1), Max: schema.Bound(65535)},
		{Name: "community", Type: schema.String, Default: "public"},
		{Name: "version", Type: schema.Enum, Values: []string{"1", "2c"}, Default: "2c"},
		{Name: "oids", Type: schema.List, Elem: schema.String, Required: true},
		{Name: "interval", Type: schema.Integer, Required: true, Min: schema.Bound(100), Max: schema.Bound(3600000)},
		{Name: "timeout", Type: schema.Integer, Default: 5000, Min: schema.Bound(100), Max: schema.Bound(30000)},
	}
}

// snmpWorker issues an SNMP GET for a fixed OID list each interval.
type snmpWorker struct {
	*poller
	monitorID string
	cfg       map[string]any
	oids      []string
}

func newSNMPWorker(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	oids := cfgStrings(cfg, "oids")
	if len(oids) == 0 {
		return nil, fmt.Errorf("snmp: empty oid list for monitor %q", monitorID)
	}
	w := &snmpWorker{
		monitorID: monitorID,
		cfg:       cfg,
		oids:      oids,
	}
	w.poller = newPoller(monitorID, cfgDuration(cfg, "interval"), w.probe, sink, logger)
	return w, nil
}

func (w *snmpWorker) probe(lastSuccess time.Time) envelope.Envelope {
	host := cfgString(w.cfg, "host")

	version := gosnmp.Version2c
	if cfgString(w.cfg, "version") == "1" {
		version = gosnmp.Version1
	}

	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(cfgInt(w.cfg, "port")),
		Community: cfgString(w.cfg, "community"),
		Version:   version,
		Timeout:   cfgDuration(w.cfg, "timeout"),
		Retries:   0, // the retry policy engine owns retries
	}

	if err := g.Connect(); err != nil {
		return envelope.Failure(w.monitorID, envelope.ErrNetwork,
			fmt.Sprintf("connect %s: %v", host, err), map[string]any{
				"reason": err.Error(),
				"host":   host,
			}, lastSuccess)
	}
	defer func() { _ = g.Conn.Close() }()

	result, err := g.Get(w.oids)
	if err != nil {
		return envelope.Failure(w.monitorID, classifySNMPError(err),
			fmt.Sprintf("snmp get %s: %v", host, err), map[string]any{
				"reason": err.Error(),
				"host":   host,
				"oids":   w.oids,
			}, lastSuccess)
	}

	values := make(map[string]any, len(result.Variables))
	for _, pdu := range result.Variables {
		values[strings.TrimPrefix(pdu.Name, ".")] = pduValue(pdu)
	}

	return envelope.Success(w.monitorID, map[string]any{
		"host": host,
		"oids": values,
	}, lastSuccess)
}

func classifySNMPError(err error) envelope.ErrorType {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return envelope.ErrTimeout
	case strings.Contains(msg, "unknown username") || strings.Contains(msg, "authentication"):
		return envelope.ErrAuthentication
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route"):
		return envelope.ErrNetwork
	default:
		return envelope.ErrProtocol
	}
}

// pduValue converts an SNMP variable into a JSON-friendly value.
func pduValue(pdu gosnmp.SnmpPDU) any {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprint(pdu.Value)
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return nil
	default:
		return pdu.Value
	}
}
