package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/argos-watch/argos/internal/dispatch"
	"github.com/argos-watch/argos/pkg/schema"
	"go.uber.org/zap"
)

// supervisorStopTimeout bounds the parallel wait for coordinators during
// shutdown. Slightly above the coordinator's own worker wait so the
// coordinator gets to log its abandonment first.
const supervisorStopTimeout = 6 * time.Second

// ValidationError carries the full aggregated reason list from a rejected
// document. No monitor has been started when it is returned.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "invalid monitor document:\n  " + strings.Join(e.Reasons, "\n  ")
}

// Supervisor validates the document and owns the resulting coordinator set
// with one-for-one isolation: a coordinator terminating, normally or not,
// never affects its siblings.
type Supervisor struct {
	registry *dispatch.Registry
	schemas  map[string][]schema.Field
	hooks    Hooks
	logger   *zap.Logger

	mu     sync.Mutex
	coords map[string]*Coordinator
}

// NewSupervisor builds a supervisor dispatching through registry. The schema
// table comes from the probe package's protocol discovery.
func NewSupervisor(registry *dispatch.Registry, schemas map[string][]schema.Field, hooks Hooks, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		schemas:  schemas,
		hooks:    hooks,
		logger:   logger,
		coords:   make(map[string]*Coordinator),
	}
}

// Start validates doc and spawns one coordinator per monitor. On validation
// failure it returns *ValidationError with every aggregated reason and starts
// nothing. A single monitor failing to start (e.g. a worker factory error)
// is logged and skipped; its siblings proceed.
func (s *Supervisor) Start(doc map[string]any) error {
	monitors, reasons := ValidateDocument(doc, s.schemas)
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range monitors {
		coord := NewCoordinator(m, s.registry, s.hooks, s.logger.Named(m.Name))
		if err := coord.Start(); err != nil {
			s.logger.Error("failed to start monitor",
				zap.String("monitor_id", m.Name),
				zap.Error(err),
			)
			continue
		}
		s.coords[m.Name] = coord
		go s.reap(coord)
	}

	s.logger.Info("supervisor started",
		zap.Int("monitors", len(s.coords)),
	)
	return nil
}

// reap removes a coordinator from the set once it terminates, keeping
// Active() accurate for monitors that exhaust their retries.
func (s *Supervisor) reap(coord *Coordinator) {
	<-coord.Done()
	s.mu.Lock()
	if s.coords[coord.Name()] == coord {
		delete(s.coords, coord.Name())
	}
	s.mu.Unlock()
}

// Active returns the number of currently running monitors.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coords)
}

// Running reports whether the named monitor still has a live coordinator.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.coords[name]
	return ok
}

// Stop commands every coordinator to shut down in parallel and waits for
// each within a bounded window.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.coords))
	for _, c := range s.coords {
		coords = append(coords, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Stop()
			select {
			case <-c.Done():
			case <-time.After(supervisorStopTimeout):
				s.logger.Error("coordinator did not stop in time",
					zap.String("monitor_id", c.Name()),
				)
			}
		}(c)
	}
	wg.Wait()

	// Remove stopped coordinators here rather than relying on the reapers,
	// so Active() reads zero as soon as Stop returns.
	s.mu.Lock()
	for _, c := range coords {
		if s.coords[c.Name()] == c {
			delete(s.coords, c.Name())
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor stopped")
}
