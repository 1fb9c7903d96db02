package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voximetry/voximetry/internal/analysis"
	"github.com/voximetry/voximetry/internal/observe"
	"github.com/voximetry/voximetry/internal/questionnaire"
	"github.com/voximetry/voximetry/internal/store"
	"github.com/voximetry/voximetry/internal/tools"
	"github.com/voximetry/voximetry/internal/transcript"
	"github.com/voximetry/voximetry/pkg/live"
)

// completionThreshold is the answered-questions ratio above which a session
// that ended for any soft reason still counts as completed.
const completionThreshold = 0.8

// defaultRetentionGrace applies when config leaves the retention window
// unset.
const defaultRetentionGrace = 24 * time.Hour

// startTurnText nudges the model to open the conversation; the system
// prompt carries the actual opening instruction.
const startTurnText = "Begin the survey now."

// Orchestrator is the single authority for one session. It routes upstream
// events to the client sink, dispatches tool calls, captures transcripts,
// and runs the post-session pipeline exactly once.
type Orchestrator struct {
	id       string
	params   StartParams
	manager  *Manager
	q        *questionnaire.Questionnaire
	voice    string
	language string

	sink       Sink
	upstream   Upstream
	store      store.Store
	agg        *transcript.Aggregator
	recorder   *Recorder
	dispatcher *tools.Dispatcher
	analyzer   analysis.Analyzer
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time
	retention  time.Duration

	runCtx    context.Context
	cancelRun context.CancelFunc
	loopDone  chan struct{}

	finalizeOnce sync.Once
	finalized    chan struct{}

	mu           sync.Mutex
	startedAt    time.Time
	lastActivity time.Time
	turnOpen     bool
	answers      map[string]string
	skipped      map[string]bool
	endReason    string
}

var _ tools.SurveyActions = (*Orchestrator)(nil)

func (m *Manager) newOrchestrator(ctx context.Context, params StartParams, sink Sink) (*Orchestrator, error) {
	q, err := m.library.Get(params.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("session: start %q: %w", params.SessionID, err)
	}

	language := params.Language
	if language == "" {
		language = m.cfg.Questionnaire.DefaultLanguage
	}
	prompt, err := m.library.Prompt(params.QuestionnaireID, language)
	if err != nil {
		return nil, fmt.Errorf("session: start %q: %w", params.SessionID, err)
	}
	voiceName := m.resolver.Resolve(params.VoiceID)

	now := m.now()
	if err := m.store.CreateSession(ctx, store.Session{
		ID:              params.SessionID,
		QuestionnaireID: params.QuestionnaireID,
		Voice:           voiceName,
		Language:        language,
		Status:          store.StatusActive,
		ClientIP:        params.ClientIP,
		TotalQuestions:  q.RequiredCount(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return nil, fmt.Errorf("session: start %q: create record: %w", params.SessionID, err)
	}

	retention := m.cfg.Store.RetentionGrace
	if retention <= 0 {
		retention = defaultRetentionGrace
	}

	o := &Orchestrator{
		id:        params.SessionID,
		params:    params,
		manager:   m,
		q:         q,
		voice:     voiceName,
		language:  language,
		sink:      sink,
		store:     m.store,
		analyzer:  m.analyzer,
		metrics:   m.metrics,
		log:       m.log.With("session_id", params.SessionID),
		now:       m.now,
		retention: retention,
		loopDone:  make(chan struct{}),
		finalized: make(chan struct{}),
		answers:   make(map[string]string),
		skipped:   make(map[string]bool),
	}
	o.agg = transcript.NewAggregator(params.SessionID, m.store, transcript.WithLogger(o.log))
	o.recorder = NewRecorder(params.SessionID, m.store, o.log)

	registry := tools.NewRegistry()
	if !m.cfg.Tools.Disabled {
		if err := tools.RegisterSurveyTools(registry, q, o); err != nil {
			return nil, fmt.Errorf("session: start %q: %w", params.SessionID, err)
		}
		if err := registry.Merge(m.baseTools); err != nil {
			return nil, fmt.Errorf("session: start %q: %w", params.SessionID, err)
		}
	}
	dispatchOpts := []tools.DispatcherOption{
		tools.WithTimeout(m.cfg.Tools.Timeout),
		tools.WithLogger(o.log),
	}
	if m.metrics != nil {
		dispatchOpts = append(dispatchOpts, tools.WithMetrics(m.metrics))
	}
	o.dispatcher = tools.NewDispatcher(registry, dispatchOpts...)

	liveCfg := live.Config{
		Endpoint:          m.cfg.Gemini.UpstreamEndpoint(),
		Model:             m.cfg.Gemini.Model,
		Voice:             voiceName,
		SystemInstruction: prompt,
		Declarations:      registry.Declarations(),
		MaxRetries:        m.cfg.Gemini.ReconnectMaxRetries,
		BaseDelay:         m.cfg.Gemini.ReconnectBaseDelay,
		Logger:            o.log,
	}
	if m.tokens != nil {
		liveCfg.Authorization = m.tokens.AuthorizationHeader
	}
	o.upstream = m.newUpstream(liveCfg)
	return o, nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.runCtx, o.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.startedAt = o.now()
	o.lastActivity = o.startedAt
	o.mu.Unlock()

	if err := o.upstream.Connect(ctx); err != nil {
		o.cancelRun()
		return fmt.Errorf("session: start %q: %w", o.id, err)
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(o.runCtx, 1)
	}
	go o.run()
	o.log.Info("session started",
		"questionnaire", o.params.QuestionnaireID,
		"voice", o.voice,
		"language", o.language,
	)
	return nil
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// Done is closed once the post-session pipeline has run.
func (o *Orchestrator) Done() <-chan struct{} { return o.finalized }

// Touch updates the last-activity timestamp. The transport calls it for
// every accepted client event.
func (o *Orchestrator) Touch() {
	o.mu.Lock()
	o.lastActivity = o.now()
	o.mu.Unlock()
}

// LastActivity returns when the session last saw an accepted client event.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

// run consumes the upstream event stream until it closes.
func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for ev := range o.upstream.Events() {
		o.handleUpstream(ev)
	}
}

func (o *Orchestrator) handleUpstream(ev live.Event) {
	switch ev.Type {
	case live.EventSetupComplete:
		o.handleReady()

	case live.EventAudioOutput:
		o.mu.Lock()
		first := !o.turnOpen
		o.turnOpen = true
		o.mu.Unlock()
		if first {
			o.sink.Send("turn:start", map[string]any{})
		}
		o.sink.Send("audio:chunk", map[string]any{
			"audioData":      base64.StdEncoding.EncodeToString(ev.PCM),
			"sequenceNumber": ev.Seq,
		})
		o.recorder.Append(ev.Seq, "output", len(ev.PCM))

	case live.EventInputTranscription:
		o.agg.AddUser(ev.Text)
		if o.metrics != nil {
			o.metrics.RecordTranscript(o.runCtx, "user")
		}
		o.sink.Send("transcription:user", map[string]any{"text": ev.Text})

	case live.EventOutputTranscription:
		o.agg.AddAssistant(ev.Text)
		if o.metrics != nil {
			o.metrics.RecordTranscript(o.runCtx, "assistant")
		}
		o.sink.Send("transcription:assistant", map[string]any{"text": ev.Text})

	case live.EventInterrupted:
		o.mu.Lock()
		o.turnOpen = false
		o.mu.Unlock()
		o.sink.Send("interruption", map[string]any{})

	case live.EventTurnComplete:
		o.mu.Lock()
		o.turnOpen = false
		o.mu.Unlock()
		o.sink.Send("turn:complete", map[string]any{})

	case live.EventToolCall:
		results := o.dispatcher.Dispatch(o.runCtx, ev.Calls)
		go o.relayToolResults(results)

	case live.EventToolCallCancellation:
		o.dispatcher.Cancel(ev.CancelIDs)

	case live.EventGoAway:
		o.log.Info("upstream going away", "grace", ev.Grace)

	case live.EventError:
		if o.metrics != nil {
			o.metrics.RecordUpstreamError(o.runCtx, string(ev.Code))
		}
		// The client hears about the failure before the terminal
		// session:complete, recoverable or not.
		o.emitError(ev.Code, 0)
		if ev.Code.Recoverable() {
			return
		}
		o.log.Error("non-recoverable upstream error", "code", ev.Code, "err", ev.Err)
		go o.End(context.Background(), "error")

	case live.EventStateChange:
		o.log.Debug("upstream state change", "from", ev.From, "to", ev.To)
	}
}

func (o *Orchestrator) handleReady() {
	data := map[string]any{
		"questionnaireName": o.q.Title,
		"totalQuestions":    o.q.RequiredCount(),
	}
	if o.q.EstimatedDuration > 0 {
		data["estimatedDuration"] = int(o.q.EstimatedDuration.Seconds())
	}
	if len(o.q.Questions) > 0 {
		first := o.q.Questions[0]
		data["firstQuestion"] = map[string]any{
			"id":   first.ID,
			"text": first.Text,
			"type": string(first.Type),
		}
	}
	o.sink.Send("session:ready", data)

	if err := o.upstream.SendText(startTurnText); err != nil {
		o.log.Warn("start turn failed", "err", err)
	}
}

// relayToolResults sends each completed call back upstream in completion
// order. Cancelled calls get no response.
func (o *Orchestrator) relayToolResults(results <-chan tools.Result) {
	for res := range results {
		if res.Code == live.CodeToolCancelled {
			continue
		}
		fr := res.Frame().ToolResponse.FunctionResponses[0]
		if err := o.upstream.SendToolResponse(fr.ID, fr.Name, fr.Response); err != nil {
			o.log.Warn("tool response send failed", "tool", res.Name, "err", err)
		}
	}
}

// HandleAudio relays one client audio chunk upstream. Chunk validation
// failures surface as recoverable client errors.
func (o *Orchestrator) HandleAudio(pcm []byte) {
	if _, err := o.upstream.SendAudio(pcm); err != nil {
		switch {
		case errors.Is(err, live.ErrEmptyChunk), errors.Is(err, live.ErrOversizedChunk):
			o.emitError(live.CodeValidationError, 0)
		case errors.Is(err, live.ErrClosed):
			// Session is winding down; late chunks are expected.
		default:
			o.log.Warn("audio relay failed", "err", err)
			o.emitError(live.CodeStreamError, 0)
		}
	}
}

// RecordResponse implements tools.SurveyActions.
func (o *Orchestrator) RecordResponse(ctx context.Context, questionID, value string) error {
	if err := o.store.SaveResponse(ctx, store.Response{
		SessionID:  o.id,
		QuestionID: questionID,
		Value:      value,
		RecordedAt: o.now(),
	}); err != nil {
		return fmt.Errorf("save response: %w", err)
	}

	o.mu.Lock()
	o.answers[questionID] = value
	delete(o.skipped, questionID)
	o.mu.Unlock()

	o.sink.Send("response:recorded", map[string]any{
		"questionId": questionID,
		"value":      value,
	})

	if q, ok := o.q.Question(questionID); ok && q.Type == questionnaire.TypeText {
		go o.analyzeResponse(questionID, value)
	}
	return nil
}

// analyzeResponse scores a single open-ended answer off the hot path.
func (o *Orchestrator) analyzeResponse(questionID, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sentiment, err := o.analyzer.AnalyzeSentiment(ctx, []transcript.Entry{
		{SessionID: o.id, Role: transcript.RoleUser, Text: value},
	})
	if err != nil {
		o.log.Warn("response sentiment failed", "question_id", questionID, "err", err)
		return
	}
	o.sink.Send("nlp:analysis", map[string]any{
		"questionId": questionID,
		"sentiment": map[string]any{
			"label":   sentiment.Label,
			"score":   sentiment.Score,
			"summary": sentiment.Summary,
		},
	})
}

// SkipQuestion implements tools.SurveyActions.
func (o *Orchestrator) SkipQuestion(ctx context.Context, questionID, reason string) error {
	if err := o.store.SaveResponse(ctx, store.Response{
		SessionID:  o.id,
		QuestionID: questionID,
		Skipped:    true,
		RecordedAt: o.now(),
	}); err != nil {
		return fmt.Errorf("save skip: %w", err)
	}

	o.mu.Lock()
	if _, answered := o.answers[questionID]; !answered {
		o.skipped[questionID] = true
	}
	o.mu.Unlock()
	o.log.Info("question skipped", "question_id", questionID, "reason", reason)
	return nil
}

// EndSurvey implements tools.SurveyActions. Finalization runs off the tool
// goroutine so the call's own response can still reach the model.
func (o *Orchestrator) EndSurvey(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "completed"
	}
	go o.End(context.Background(), reason)
	return nil
}

func (o *Orchestrator) emitError(code live.ErrorCode, retryAfter int) {
	data := map[string]any{
		"errorCode":    string(code),
		"errorMessage": code.UserMessage(),
		"recoverable":  code.Recoverable(),
	}
	if retryAfter > 0 {
		data["retryAfter"] = retryAfter
	}
	o.sink.Send("error", data)
}

// End runs the post-session pipeline exactly once and blocks until it has
// finished, bounded by ctx only for the waiting caller.
func (o *Orchestrator) End(ctx context.Context, reason string) {
	o.finalizeOnce.Do(func() { o.finalize(reason) })
	select {
	case <-o.finalized:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) finalize(reason string) {
	defer close(o.finalized)
	defer o.manager.remove(o.id)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "session.finalize")
	defer span.End()
	log := observe.WithTrace(ctx, o.log)

	o.cancelRun()
	if err := o.upstream.Disconnect(); err != nil {
		log.Warn("upstream disconnect failed", "err", err)
	}
	select {
	case <-o.loopDone:
	case <-ctx.Done():
	}

	if err := o.agg.Cleanup(ctx); err != nil {
		log.Warn("transcript cleanup incomplete", "err", err)
	}

	o.mu.Lock()
	duration := o.now().Sub(o.startedAt)
	answered := 0
	for id := range o.answers {
		if q, ok := o.q.Question(id); ok && q.Required {
			answered++
		}
	}
	answersCopy := make(map[string]string, len(o.answers))
	for k, v := range o.answers {
		answersCopy[k] = v
	}
	o.mu.Unlock()

	total := o.q.RequiredCount()
	rate := 1.0
	if total > 0 {
		rate = float64(answered) / float64(total)
	}

	status := store.StatusAbandoned
	switch {
	case reason == "error":
		status = store.StatusError
	case reason == "completed", rate >= completionThreshold:
		status = store.StatusCompleted
	}

	recordingURL, err := o.recorder.Flush(ctx)
	if err != nil {
		log.Warn("recording flush incomplete", "err", err)
	}

	nlp := o.runAnalysis(ctx)

	ended := o.now()
	if err := o.store.UpdateSession(ctx, o.id, func(s *store.Session) {
		if !s.Status.Terminal() {
			s.Status = status
		}
		s.Answered = answered
		s.CompletionRate = rate
		s.UpdatedAt = ended
		s.EndedAt = &ended
	}); err != nil {
		log.Error("session finalization write failed", "err", err)
	}

	data := map[string]any{
		"completionStatus":  string(status),
		"totalQuestions":    total,
		"answeredQuestions": answered,
		"duration":          int(duration.Seconds()),
	}
	if recordingURL != "" {
		data["recordingUrl"] = recordingURL
	}
	if len(answersCopy) > 0 {
		data["surveyAnswers"] = answersCopy
	}
	if nlp != nil {
		data["nlpAnalysis"] = nlp
	}
	o.sink.Send("session:complete", data)

	if o.metrics != nil {
		o.metrics.RecordSessionEnd(context.Background(), string(status), duration)
	}
	o.scheduleRetention()

	log.Info("session finalized",
		"status", status,
		"reason", reason,
		"answered", answered,
		"total", total,
		"duration", duration,
	)
}

// runAnalysis executes the cold-path analyzers over the finished transcript.
// Failures are logged; session:complete is emitted regardless.
func (o *Orchestrator) runAnalysis(ctx context.Context) map[string]any {
	history := o.agg.History()
	if len(history) == 0 {
		return nil
	}

	out := make(map[string]any)
	if sentiment, err := o.analyzer.AnalyzeSentiment(ctx, history); err != nil {
		o.log.Warn("session sentiment failed", "err", err)
	} else {
		payload := map[string]any{
			"label":   sentiment.Label,
			"score":   sentiment.Score,
			"summary": sentiment.Summary,
		}
		out["sentiment"] = payload
		o.saveAnalysis(ctx, "sentiment", payload)
	}
	if insights, err := o.analyzer.ExtractInsights(ctx, history); err != nil {
		o.log.Warn("insight extraction failed", "err", err)
	} else {
		payload := map[string]any{
			"themes":      insights.Themes,
			"actionItems": insights.ActionItems,
			"summary":     insights.Summary,
		}
		out["insights"] = payload
		o.saveAnalysis(ctx, "insights", payload)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (o *Orchestrator) saveAnalysis(ctx context.Context, kind string, payload map[string]any) {
	if err := o.store.SaveAnalysis(ctx, store.Analysis{
		SessionID: o.id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: o.now(),
	}); err != nil {
		o.log.Warn("analysis write failed", "kind", kind, "err", err)
	}
}

// scheduleRetention deletes the session's recordings after the grace
// window.
func (o *Orchestrator) scheduleRetention() {
	sessionID := o.id
	st := o.store
	log := o.log
	time.AfterFunc(o.retention, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := st.DeleteRecordings(ctx, sessionID)
		if err != nil {
			log.Warn("recording retention sweep failed", "err", err)
			return
		}
		log.Info("recordings deleted", "count", n)
	})
}
