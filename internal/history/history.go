// Package history persists dispatched envelopes to SQLite so operators can
// inspect recent monitor output after the fact. It subscribes to rule names
// like any other consumer; monitors never know it exists.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/argos-watch/argos/internal/dispatch"
	"github.com/argos-watch/argos/pkg/envelope"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS envelope_history (
	id          TEXT PRIMARY KEY,
	monitor_id  TEXT NOT NULL,
	rule        TEXT NOT NULL,
	tag         TEXT NOT NULL,
	status      TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_monitor ON envelope_history(monitor_id, created_at);
`

// Record is one persisted envelope row.
type Record struct {
	ID        string
	MonitorID string
	Rule      string
	Tag       envelope.Tag
	Status    envelope.Status
	ErrorType envelope.ErrorType
	Payload   envelope.Envelope
	CreatedAt time.Time
}

// tagged pairs a delivered message with the rule it arrived through. The
// wire message itself does not carry the rule name, so each subscription
// keeps its own inbox and stamps the rule on the way in.
type tagged struct {
	rule string
	msg  envelope.Message
}

// Recorder consumes envelopes from subscribed rules and writes them to a
// SQLite database. Writes happen on a single goroutine; the database is
// opened with one write connection, which is how SQLite performs best.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger

	records chan tagged
	quit    chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	unregisters []func()
	forwarders  sync.WaitGroup
	closeOnce   sync.Once
}

// New opens (or creates) the history database at path and starts the writer.
func New(path string, logger *zap.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	r := &Recorder{
		db:      db,
		logger:  logger,
		records: make(chan tagged, 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

// Subscribe attaches the recorder to the named rules. Envelopes dispatched to
// any of them are persisted.
func (r *Recorder) Subscribe(registry *dispatch.Registry, rules ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range rules {
		inbox := make(dispatch.Inbox, 64)
		r.unregisters = append(r.unregisters, registry.Register(rule, inbox))

		r.forwarders.Add(1)
		go func(rule string, inbox dispatch.Inbox) {
			defer r.forwarders.Done()
			for {
				select {
				case msg := <-inbox:
					select {
					case r.records <- tagged{rule: rule, msg: msg}:
					case <-r.quit:
						return
					}
				case <-r.quit:
					return
				}
			}
		}(rule, inbox)
	}
}

func (r *Recorder) writer() {
	defer close(r.done)
	for t := range r.records {
		if err := r.insert(t); err != nil {
			r.logger.Error("failed to persist envelope",
				zap.String("monitor_id", t.msg.Envelope.MonitorID),
				zap.String("rule", t.rule),
				zap.Error(err),
			)
		}
	}
}

func (r *Recorder) insert(t tagged) error {
	payload, err := json.Marshal(t.msg.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	errType := ""
	if t.msg.Envelope.Error != nil {
		errType = string(t.msg.Envelope.Error.Type)
	}

	_, err = r.db.Exec(
		`INSERT INTO envelope_history (id, monitor_id, rule, tag, status, error_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		t.msg.Envelope.MonitorID,
		t.rule,
		string(t.msg.Tag),
		string(t.msg.Envelope.Status),
		errType,
		string(payload),
		t.msg.Envelope.Timestamp,
	)
	return err
}

// Recent returns the newest n records for a monitor, newest first.
func (r *Recorder) Recent(ctx context.Context, monitorID string, n int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, monitor_id, rule, tag, status, error_type, payload, created_at
		 FROM envelope_history WHERE monitor_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		monitorID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var tag, status, errType, payload string
		if err := rows.Scan(&rec.ID, &rec.MonitorID, &rec.Rule, &tag, &status, &errType, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Tag = envelope.Tag(tag)
		rec.Status = envelope.Status(status)
		rec.ErrorType = envelope.ErrorType(errType)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of persisted envelopes.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelope_history`).Scan(&n)
	return n, err
}

// Close detaches from the registry, drains in-flight envelopes, and closes
// the database.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for _, unregister := range r.unregisters {
			unregister()
		}
		r.unregisters = nil
		r.mu.Unlock()

		close(r.quit)
		r.forwarders.Wait()
		close(r.records)
		<-r.done
		err = r.db.Close()
	})
	return err
}
