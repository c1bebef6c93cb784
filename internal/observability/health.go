package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and clients that can probe their
// backing service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// checkFunc adapts a plain function to HealthChecker.
type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var errEngineNotRunning = errors.New("saga engine not running")

// ReadinessChecks lists what must be healthy before the instance takes
// traffic. EngineRunning reports whether recovery of in-flight sagas has
// finished; the other checkers are probed only when set.
type ReadinessChecks struct {
	EngineRunning func() bool

	Journal          HealthChecker
	Lease            HealthChecker
	IdempotencyStore HealthChecker
	Broker           HealthChecker
	PayoutLedger     HealthChecker
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) probes() []namedCheck {
	engine := checkFunc(func(context.Context) error {
		if c.EngineRunning == nil || !c.EngineRunning() {
			return errEngineNotRunning
		}
		return nil
	})
	probes := []namedCheck{{"engine", engine}}
	for _, nc := range []namedCheck{
		{"journal", c.Journal},
		{"lease", c.Lease},
		{"idempotency_store", c.IdempotencyStore},
		{"broker", c.Broker},
		{"payout_ledger", c.PayoutLedger},
	} {
		if nc.checker != nil {
			probes = append(probes, nc)
		}
	}
	return probes
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady probes every configured dependency concurrently and answers
// 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make([]CheckResult, len(probes))

		var g errgroup.Group
		for i, p := range probes {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), p.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(probes))}
		code := http.StatusOK
		for i, p := range probes {
			resp.Checks[p.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
