package health

import (
	"context"
	"errors"
	"testing"
)

func TestEvaluateAllHealthy(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return nil }},
		Checker{Name: "library", Check: func(context.Context) error { return nil }},
	)
	report := h.Evaluate(context.Background())
	if !report.OK() {
		t.Fatalf("report = %+v", report)
	}
	if report.Checks["store"] != "ok" || report.Checks["library"] != "ok" {
		t.Errorf("checks = %v", report.Checks)
	}
}

func TestEvaluateFailureMarksReport(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
		Checker{Name: "library", Check: func(context.Context) error { return nil }},
	)
	report := h.Evaluate(context.Background())
	if report.OK() {
		t.Fatal("failing check reported ok")
	}
	if report.Checks["store"] != "fail: connection refused" {
		t.Errorf("store check = %q", report.Checks["store"])
	}
	if report.Checks["library"] != "ok" {
		t.Errorf("healthy check polluted: %q", report.Checks["library"])
	}
}

func TestEvaluateNoCheckers(t *testing.T) {
	t.Parallel()

	if report := New().Evaluate(context.Background()); !report.OK() {
		t.Errorf("empty handler report = %+v", report)
	}
}

func TestEvaluatePassesContext(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if ctx.Done() == nil {
			return errors.New("no deadline")
		}
		return nil
	}})
	if report := h.Evaluate(context.Background()); !report.OK() {
		t.Errorf("report = %+v", report)
	}
}
