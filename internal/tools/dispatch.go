package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voximetry/voximetry/internal/observe"
	"github.com/voximetry/voximetry/pkg/live"
	"github.com/voximetry/voximetry/pkg/live/frame"
)

// DefaultTimeout bounds a single tool execution when no timeout is
// configured.
const DefaultTimeout = 5 * time.Second

// errCancelled marks a call torn down by a cancellation frame, as opposed to
// one that ran out of time.
var errCancelled = errors.New("tools: call cancelled")

// Result is the outcome of one dispatched call.
type Result struct {
	ID       string
	Name     string
	Duration time.Duration

	// Response is the successful function response. Nil when Code is set.
	Response map[string]any

	// Code classifies the failure. Empty on success.
	Code live.ErrorCode

	// Message is a sanitized, client-safe description of the failure.
	Message string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Code == "" }

// Frame renders the result as the toolResponse frame sent back upstream.
// Failures become structured error payloads so the model can react instead
// of stalling on a missing response.
func (r Result) Frame() frame.ToolResponseMessage {
	if r.OK() {
		return frame.NewToolResponse(r.ID, r.Name, r.Response)
	}
	return frame.NewToolResponse(r.ID, r.Name, map[string]any{
		"error":   r.Message,
		"success": false,
	})
}

// Dispatcher executes requested function calls against a registry. Calls in
// one batch run concurrently and results are delivered as each call
// finishes.
type Dispatcher struct {
	reg     *Registry
	timeout time.Duration
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each call's execution. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithLogger sets the dispatcher's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.log = log }
}

// WithMetrics attaches call counters and latency histograms.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher builds a dispatcher over the given registry.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		timeout:  DefaultTimeout,
		log:      slog.Default(),
		now:      time.Now,
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs every call in the batch concurrently and returns a channel
// of results in completion order. The channel closes once all calls have
// finished. Pending calls can be torn down with [Dispatcher.Cancel].
func (d *Dispatcher) Dispatch(ctx context.Context, calls []frame.FunctionCall) <-chan Result {
	out := make(chan Result, len(calls))

	var wg sync.WaitGroup
	for _, call := range calls {
		wg.Add(1)
		go func(call frame.FunctionCall) {
			defer wg.Done()
			res := d.execute(ctx, call)
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}(call)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Cancel tears down in-flight calls by ID. Unknown IDs are ignored; the
// model may cancel calls that already completed.
func (d *Dispatcher) Cancel(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := d.inflight[id]; ok {
			cancel(errCancelled)
		}
	}
}

// InflightCount returns how many calls are currently executing.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) execute(ctx context.Context, call frame.FunctionCall) Result {
	start := d.now()
	res := Result{ID: call.ID, Name: call.Name}

	entry, ok := d.reg.lookup(call.Name)
	if !ok {
		res.Code = live.CodeToolNotFound
		res.Message = fmt.Sprintf("tool %q is not available", call.Name)
		return d.finish(ctx, res, start)
	}

	if entry.compiled != nil {
		if err := entry.compiled.Validate(normalizeSchemaDoc(mapOrEmpty(call.Args))); err != nil {
			res.Code = live.CodeInvalidParameters
			res.Message = Sanitize(err.Error())
			return d.finish(ctx, res, start)
		}
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(callCtx, d.timeout)
	defer cancelTimeout()
	defer cancel(nil)

	d.mu.Lock()
	d.inflight[call.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, call.ID)
		d.mu.Unlock()
	}()

	type outcome struct {
		response map[string]any
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := entry.tool.Handler(timeoutCtx, call.Args)
		done <- outcome{resp, err}
	}()

	select {
	case o := <-done:
		switch {
		case o.err == nil:
			res.Response = mapOrEmpty(o.response)
		case errors.Is(o.err, context.DeadlineExceeded):
			res.Code = live.CodeToolTimeout
			res.Message = fmt.Sprintf("tool %q exceeded the %s execution limit", call.Name, d.timeout)
		case d.wasCancelled(callCtx), errors.Is(o.err, context.Canceled):
			res.Code = live.CodeToolCancelled
			res.Message = fmt.Sprintf("tool %q was cancelled", call.Name)
		default:
			res.Code = live.CodeToolExecutionError
			res.Message = Sanitize(o.err.Error())
		}
	case <-timeoutCtx.Done():
		if d.wasCancelled(callCtx) {
			res.Code = live.CodeToolCancelled
			res.Message = fmt.Sprintf("tool %q was cancelled", call.Name)
		} else {
			res.Code = live.CodeToolTimeout
			res.Message = fmt.Sprintf("tool %q exceeded the %s execution limit", call.Name, d.timeout)
		}
	}
	return d.finish(ctx, res, start)
}

// wasCancelled reports whether the call's context died by cancellation
// rather than by running out of time. Both a cancellation frame from the
// model and session teardown count; only a deadline is a timeout.
func (d *Dispatcher) wasCancelled(callCtx context.Context) bool {
	cause := context.Cause(callCtx)
	return errors.Is(cause, errCancelled) || errors.Is(cause, context.Canceled)
}

func (d *Dispatcher) finish(ctx context.Context, res Result, start time.Time) Result {
	res.Duration = d.now().Sub(start)

	status := "ok"
	if !res.OK() {
		status = string(res.Code)
		d.log.Warn("tool call failed",
			"tool", res.Name,
			"call_id", res.ID,
			"code", res.Code,
			"duration", res.Duration,
		)
	} else {
		d.log.Debug("tool call completed",
			"tool", res.Name,
			"call_id", res.ID,
			"duration", res.Duration,
		)
	}
	if d.metrics != nil {
		d.metrics.RecordToolCall(ctx, res.Name, status)
		d.metrics.ToolExecutionDuration.Record(ctx, res.Duration.Seconds(),
			metric.WithAttributes(observe.Attr("tool", res.Name)))
	}
	return res
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
