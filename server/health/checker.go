package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/godamri/helix-activity/http/response"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Pinger is satisfied by every docstore backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type probe struct {
	name string
	p    Pinger
}

// Checker serves liveness and readiness. Readiness pings every registered
// dependency, typically the document store and the audit store.
type Checker struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	probes []probe
}

func NewChecker(logger *slog.Logger, timeout time.Duration) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Checker{logger: logger, timeout: timeout}
}

// Register adds a named dependency. Names should be unique.
func (c *Checker) Register(name string, p Pinger) *Checker {
	c.mu.Lock()
	c.probes = append(c.probes, probe{name: name, p: p})
	c.mu.Unlock()
	return c
}

func (c *Checker) RegisterRoutes(r chi.Router) {
	r.Get("/health", c.HandleHealth)
	r.Get("/ready", c.HandleReadiness)
}

// HandleHealth answers 200 while the process runs.
func (c *Checker) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleReadiness pings all dependencies in parallel under one deadline. A
// slow dependency counts as down.
func (c *Checker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, down := c.Check(r.Context())

	body := map[string]any{"status": StatusUp, "checks": checks}
	if len(down) > 0 {
		body["status"] = StatusDown
		response.Fail(w, r, response.ErrServiceUnavail, "dependencies down", body)
		return
	}
	response.JSON(w, r, http.StatusOK, body)
}

// Check returns per-dependency status and the sorted names of those down.
func (c *Checker) Check(ctx context.Context) (map[string]string, []string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	probes := append([]probe(nil), c.probes...)
	c.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		checks = make(map[string]string, len(probes))
		down   []string
	)
	for _, pr := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := StatusUp
			if err := pr.p.Ping(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Readiness check failed", "dependency", pr.name, "error", err)
				status = StatusDown
			}
			mu.Lock()
			checks[pr.name] = status
			if status == StatusDown {
				down = append(down, pr.name)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(down)
	return checks, down
}
