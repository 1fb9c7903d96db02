// Package health evaluates readiness checks for the gateway.
//
// Liveness needs no checks: a process that answers HTTP is alive. Readiness
// asks whether the gateway's dependencies (store, questionnaire library) can
// actually serve a new session, and is what load balancers should gate on.
package health

import (
	"context"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy; the error text appears in the readiness report.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the outcome of one readiness evaluation.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

// Handler evaluates a fixed set of checkers. Safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers. They run sequentially in
// the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Evaluate runs every checker, each under its own timeout derived from ctx.
func (h *Handler) Evaluate(ctx context.Context) Report {
	report := Report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			report.Checks[c.Name] = "fail: " + err.Error()
			report.Status = "fail"
		} else {
			report.Checks[c.Name] = "ok"
		}
	}
	return report
}
