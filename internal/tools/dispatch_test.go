package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voximetry/voximetry/pkg/live"
	"github.com/voximetry/voximetry/pkg/live/frame"
)

func collectResults(t *testing.T, ch <-chan Result) []Result {
	t.Helper()
	var out []Result
	deadline := time.After(3 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, res)
		case <-deadline:
			t.Fatalf("timed out waiting for results; got %d so far", len(out))
		}
	}
}

func singleResult(t *testing.T, d *Dispatcher, call frame.FunctionCall) Result {
	t.Helper()
	results := collectResults(t, d.Dispatch(context.Background(), []frame.FunctionCall{call}))
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	return results[0]
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"echo": args["msg"]}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r)

	res := singleResult(t, d, frame.FunctionCall{ID: "c1", Name: "echo", Args: map[string]any{"msg": "hi"}})
	if !res.OK() {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Response["echo"] != "hi" {
		t.Errorf("Response = %v", res.Response)
	}
	if res.ID != "c1" || res.Name != "echo" {
		t.Errorf("identity = %q/%q", res.ID, res.Name)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	res := singleResult(t, d, frame.FunctionCall{ID: "c1", Name: "missing"})
	if res.Code != live.CodeToolNotFound {
		t.Errorf("Code = %q, want %q", res.Code, live.CodeToolNotFound)
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	called := false
	if err := r.Register(Tool{
		Name: "strict",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
			"required":             []string{"count"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			called = true
			return map[string]any{}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r)

	res := singleResult(t, d, frame.FunctionCall{ID: "c1", Name: "strict", Args: map[string]any{"other": "x"}})
	if res.Code != live.CodeInvalidParameters {
		t.Errorf("Code = %q, want %q", res.Code, live.CodeInvalidParameters)
	}
	if called {
		t.Error("handler ran despite invalid arguments")
	}

	res = singleResult(t, d, frame.FunctionCall{ID: "c2", Name: "strict", Args: map[string]any{"count": float64(3)}})
	if !res.OK() {
		t.Errorf("valid arguments rejected: %+v", res)
	}
}

func TestDispatchExecutionErrorSanitized(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("read /etc/voximetry/private/key.pem: permission denied")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r)

	res := singleResult(t, d, frame.FunctionCall{ID: "c1", Name: "broken"})
	if res.Code != live.CodeToolExecutionError {
		t.Errorf("Code = %q, want %q", res.Code, live.CodeToolExecutionError)
	}
	if strings.Contains(res.Message, "/etc/") {
		t.Errorf("Message leaks a path: %q", res.Message)
	}
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r, WithTimeout(30*time.Millisecond))

	res := singleResult(t, d, frame.FunctionCall{ID: "c1", Name: "slow"})
	if res.Code != live.CodeToolTimeout {
		t.Errorf("Code = %q, want %q", res.Code, live.CodeToolTimeout)
	}
}

func TestDispatchCancellation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	started := make(chan struct{})
	if err := r.Register(Tool{
		Name: "hang",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r, WithTimeout(5*time.Second))

	ch := d.Dispatch(context.Background(), []frame.FunctionCall{{ID: "c1", Name: "hang"}})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	d.Cancel([]string{"c1", "never-ran"})

	results := collectResults(t, ch)
	if len(results) != 1 || results[0].Code != live.CodeToolCancelled {
		t.Errorf("results = %+v, want a single cancelled result", results)
	}
	if got := d.InflightCount(); got != 0 {
		t.Errorf("InflightCount() = %d after completion, want 0", got)
	}
}

func TestDispatchParentContextCancellation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	started := make(chan struct{})
	if err := r.Register(Tool{
		Name: "hang",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r, WithTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- d.execute(ctx, frame.FunctionCall{ID: "c1", Name: "hang"}) }()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case res := <-done:
		if res.Code != live.CodeToolCancelled {
			t.Errorf("Code = %q, want %q (session teardown is not a timeout)", res.Code, live.CodeToolCancelled)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("call never finished after teardown")
	}
}

func TestDispatchDeliversInCompletionOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	release := make(chan struct{})
	if err := r.Register(Tool{
		Name: "gated",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-release
			return map[string]any{"which": "gated"}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(Tool{
		Name: "instant",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"which": "instant"}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	d := NewDispatcher(r)

	ch := d.Dispatch(context.Background(), []frame.FunctionCall{
		{ID: "c1", Name: "gated"},
		{ID: "c2", Name: "instant"},
	})

	select {
	case first := <-ch:
		if first.Name != "instant" {
			t.Errorf("first completion = %q, want instant", first.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no result before the gate opened")
	}
	close(release)

	rest := collectResults(t, ch)
	if len(rest) != 1 || rest[0].Name != "gated" {
		t.Errorf("remaining results = %+v, want the gated call", rest)
	}
}

func TestResultFrameCarriesErrorPayload(t *testing.T) {
	t.Parallel()

	res := Result{
		ID:      "c1",
		Name:    "broken",
		Code:    live.CodeToolExecutionError,
		Message: "something failed",
	}
	msg := res.Frame()
	if len(msg.ToolResponse.FunctionResponses) != 1 {
		t.Fatalf("FunctionResponses = %d, want 1", len(msg.ToolResponse.FunctionResponses))
	}
	fr := msg.ToolResponse.FunctionResponses[0]
	if fr.ID != "c1" || fr.Name != "broken" {
		t.Errorf("identity = %q/%q", fr.ID, fr.Name)
	}
	if fr.Response["error"] != "something failed" || fr.Response["success"] != false {
		t.Errorf("error payload = %v", fr.Response)
	}
}
