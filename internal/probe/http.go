package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"go.uber.org/zap"
)

func init() {
	RegisterProtocol("http", httpSchema(), newHTTPWorker)
}

func httpSchema() []schema.Field {
	return []schema.Field{
		{Name: "url", Type: schema.String, Required: true, Pattern: regexp.MustCompile(`^https?://.+`)},
		{Name: "method", Type: schema.String, Default: "GET"},
		{Name: "headers", Type: schema.Map, Default: map[string]any{}},
		{Name: "interval", Type: schema.Integer, Required: true, Min: schema.Bound(100), Max: schema.Bound(3600000)},
		{Name: "timeout", Type: schema.Integer, Default: 5000, Min: schema.Bound(100), Max: schema.Bound(30000)},
		{Name: "follow_redirect", Type: schema.Boolean, Default: true},
		{Name: "verify_ssl", Type: schema.Boolean, Default: false},
		{Name: "request_body", Type: schema.String, Default: ""},
		{Name: "request_params", Type: schema.Map, Default: map[string]any{}},
	}
}

// httpWorker polls an HTTP endpoint on a fixed interval and classifies every
// outcome per the envelope error taxonomy.
type httpWorker struct {
	*poller
	monitorID string
	url       string
	method    string
	headers   map[string]any
	params    map[string]any
	body      string
	client    *http.Client
}

func newHTTPWorker(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	w := &httpWorker{
		monitorID: monitorID,
		url:       cfgString(cfg, "url"),
		method:    strings.ToUpper(cfgString(cfg, "method")),
		headers:   cfgMap(cfg, "headers"),
		params:    cfgMap(cfg, "request_params"),
		body:      cfgString(cfg, "request_body"),
	}

	w.client = &http.Client{
		Timeout: cfgDuration(cfg, "timeout"),
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: !cfgBool(cfg, "verify_ssl"), //nolint:gosec // G402: operator-controlled verify_ssl flag
			},
			DisableKeepAlives: true,
		},
	}
	if !cfgBool(cfg, "follow_redirect") {
		w.client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	w.poller = newPoller(monitorID, cfgDuration(cfg, "interval"), w.probe, sink, logger)
	return w, nil
}

func (w *httpWorker) probe(lastSuccess time.Time) envelope.Envelope {
	target := w.url
	if len(w.params) > 0 {
		q := url.Values{}
		for k, v := range w.params {
			q.Set(k, fmt.Sprint(v))
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if w.body != "" {
		reqBody = strings.NewReader(w.body)
	}
	req, err := http.NewRequest(w.method, target, reqBody)
	if err != nil {
		return envelope.Failure(w.monitorID, envelope.ErrClient, err.Error(), map[string]any{
			"reason": fmt.Sprintf("invalid request: %v", err),
		}, lastSuccess)
	}
	for k, v := range w.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return envelope.Failure(w.monitorID, classifyTransportError(err), err.Error(), map[string]any{
			"reason": err.Error(),
		}, lastSuccess)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return envelope.Failure(w.monitorID, envelope.ErrClient, err.Error(), map[string]any{
			"reason":      fmt.Sprintf("read body: %v", err),
			"status_code": resp.StatusCode,
		}, lastSuccess)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return envelope.Success(w.monitorID, map[string]any{
			"status_code": resp.StatusCode,
			"body":        decodeBody(raw),
			"headers":     flattenHeaders(resp.Header),
		}, lastSuccess)

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// Only reachable when follow_redirect is off.
		return envelope.Failure(w.monitorID, envelope.ErrRedirect,
			fmt.Sprintf("HTTP %d redirect not followed", resp.StatusCode), map[string]any{
				"status_code":  resp.StatusCode,
				"redirect_url": resp.Header.Get("Location"),
			}, lastSuccess)

	default:
		return envelope.Failure(w.monitorID, envelope.ErrHTTP,
			fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)), map[string]any{
				"status_code": resp.StatusCode,
				"body":        decodeBody(raw),
			}, lastSuccess)
	}
}

// classifyTransportError separates timeouts from other transport failures.
func classifyTransportError(err error) envelope.ErrorType {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return envelope.ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return envelope.ErrTimeout
	}
	return envelope.ErrClient
}

// decodeBody returns the JSON-decoded body when it parses, the raw string
// otherwise.
func decodeBody(raw []byte) any {
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return decoded
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
