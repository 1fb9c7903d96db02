// Package live maintains the duplex streaming connection between one survey
// session and the Gemini Live endpoint.
//
// A Client owns exactly one logical upstream connection. It sends the setup
// handshake on open, assigns monotonic sequence numbers to audio in both
// directions, queues outbound audio until the peer acknowledges setup, and
// reconnects with exponential backoff when the link drops. Everything the
// peer says is surfaced to the owner as a stream of [Event] values.
//
// All exported methods are safe for concurrent use.
package live

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voximetry/voximetry/pkg/live/frame"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second

	// MaxChunkBytes is the upper bound on a single decoded audio chunk.
	MaxChunkBytes = 1 << 20

	eventBuffer = 64
)

// Validation errors for outbound audio. Callers drop the offending chunk
// with a warning; the session continues.
var (
	ErrEmptyChunk     = fmt.Errorf("live: empty audio chunk")
	ErrOversizedChunk = fmt.Errorf("live: audio chunk exceeds %d bytes", MaxChunkBytes)
	ErrClosed         = fmt.Errorf("live: client closed")
)

// HeaderFunc supplies the Authorization header value for a dial attempt.
// It is invoked on every (re)connect so the credential is always fresh.
type HeaderFunc func(ctx context.Context) (string, error)

// Config parameterizes a Client.
type Config struct {
	// Endpoint is the full WebSocket URL of the BidiGenerateContent service.
	Endpoint string

	// Model is the bare model name ("models/" is prefixed on the wire).
	Model string

	// Voice is the canonical prebuilt voice name.
	Voice string

	// SystemInstruction is the localized survey prompt.
	SystemInstruction string

	// Declarations are the tool functions offered to the model. Nil when
	// tools are disabled.
	Declarations []frame.FunctionDeclaration

	// VAD overrides the voice-activity-detection knobs. Nil keeps the
	// endpoint defaults.
	VAD *frame.ActivityDetection

	// Authorization supplies the bearer header per dial. Nil dials without
	// an Authorization header (test servers).
	Authorization HeaderFunc

	// MaxRetries bounds reconnection attempts per session. Defaults to 3.
	MaxRetries int

	// BaseDelay is the first backoff interval; doubles per attempt.
	// Defaults to 1s.
	BaseDelay time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Stats is a snapshot of the client's streaming counters.
type Stats struct {
	ChunksSent     int64
	ChunksReceived int64
	Reconnects     int
}

type queuedChunk struct {
	seq  int64
	data string // base64
}

type outChunk struct {
	seq int64
	pcm []byte
}

// Client is the per-session upstream connection. Create with New, start
// with Connect, stop with Disconnect.
type Client struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes; coder/websocket permits one
	// concurrent writer.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	pending     []queuedChunk // outbound audio accepted before ready
	pendingOut  []outChunk    // model audio awaiting turn completion
	suppressOut bool          // drop model audio until the next turn boundary
	inSeq       int64
	outSeq      int64
	retries     int
	goAway      bool
	upstreamID  string
	closed      bool
}

// New creates a Client in the disconnected state.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
	}
}

// Events returns the stream of upstream events. The channel is closed when
// the client reaches a terminal state (closed or error).
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UpstreamSessionID returns the session identifier assigned by the peer in
// setupComplete, or "" before setup finishes.
func (c *Client) UpstreamSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstreamID
}

// Stats returns a snapshot of the streaming counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{ChunksSent: c.inSeq, ChunksReceived: c.outSeq, Reconnects: c.retries}
}

// Connect dials the endpoint, sends the setup frame, and starts the receive
// loop. It returns an error if the initial dial or setup write fails; drops
// after a successful connect are handled by the internal reconnect logic.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.dialAndSetup(ctx); err != nil {
		c.setState(StateError)
		return err
	}
	go c.run()
	return nil
}

// dialAndSetup establishes the socket and writes the setup frame. The
// Authorization header is fetched fresh on every call.
func (c *Client) dialAndSetup(ctx context.Context) error {
	header := http.Header{"Content-Type": []string{"application/json"}}
	if c.cfg.Authorization != nil {
		auth, err := c.cfg.Authorization(ctx)
		if err != nil {
			return fmt.Errorf("live: authorization: %w", err)
		}
		header.Set("Authorization", auth)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.Endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("live: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20) // audio frames are large

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	setup := frame.NewSetup(frame.SetupOptions{
		Model:             c.cfg.Model,
		Voice:             c.cfg.Voice,
		SystemInstruction: c.cfg.SystemInstruction,
		Declarations:      c.cfg.Declarations,
		VAD:               c.cfg.VAD,
	})
	if err := c.writeJSON(setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fmt.Errorf("live: setup: %w", err)
	}
	return nil
}

// run owns the connection for its whole life: it reads until the link drops,
// then decides between reconnecting and failing. It closes the event channel
// on exit.
func (c *Client) run() {
	defer close(c.events)

	for {
		err := c.readLoop()
		if c.ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		code := Classify(err)
		if c.takeGoAway() || code == CodeGoAway {
			// The peer asked us to move; one clean reconnect that does not
			// consume a retry attempt.
			c.setState(StateReconnecting)
			if rerr := c.dialAndSetup(c.ctx); rerr == nil {
				continue
			}
			// Fall through to counted attempts if the clean reconnect fails.
		}

		if !code.Recoverable() {
			c.fail(code, err)
			return
		}
		c.emit(Event{Type: EventError, Code: code, Err: err})

		if !c.reconnect(err) {
			return
		}
	}
}

// reconnect runs counted backoff attempts. It returns true once a dial
// succeeds and false when the client failed or was closed.
func (c *Client) reconnect(cause error) bool {
	for {
		c.mu.Lock()
		attempt := c.retries + 1
		c.mu.Unlock()

		if attempt > c.cfg.MaxRetries {
			c.fail(CodeReconnectFailed, cause)
			return false
		}

		c.mu.Lock()
		c.retries = attempt
		c.mu.Unlock()
		c.setState(StateReconnecting)

		delay := c.cfg.BaseDelay << (attempt - 1)
		c.log.Info("upstream reconnect scheduled",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"backoff", delay,
		)

		select {
		case <-c.ctx.Done():
			c.setState(StateClosed)
			return false
		case <-time.After(delay):
		}

		err := c.dialAndSetup(c.ctx)
		if err == nil {
			c.log.Info("upstream reconnected", "attempt", attempt)
			return true
		}
		if code := Classify(err); !code.Recoverable() {
			c.fail(code, err)
			return false
		}
		c.log.Warn("upstream reconnect attempt failed", "attempt", attempt, "err", err)
		cause = err
	}
}

// fail records a terminal error and publishes it.
func (c *Client) fail(code ErrorCode, err error) {
	c.setState(StateError)
	c.emit(Event{Type: EventError, Code: code, Err: err})
}

// readLoop reads frames until the connection errors. Malformed frames are
// dropped with a warning; only transport errors end the loop.
func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		msg, perr := frame.ParseServer(data)
		if perr != nil {
			c.log.Warn("dropping malformed upstream frame", "err", perr)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *frame.ServerMessage) {
	switch {
	case msg.SetupComplete != nil:
		c.mu.Lock()
		if id := msg.SetupComplete.SessionID; id != "" {
			c.upstreamID = id
		}
		c.suppressOut = false
		c.mu.Unlock()
		c.becomeReady()
		c.emit(Event{Type: EventSetupComplete})

	case msg.ServerContent != nil:
		c.handleContent(msg.ServerContent)

	case msg.ToolCall != nil:
		c.emit(Event{Type: EventToolCall, Calls: msg.ToolCall.FunctionCalls})

	case msg.ToolCallCancellation != nil:
		c.emit(Event{Type: EventToolCallCancellation, CancelIDs: msg.ToolCallCancellation.IDs})

	case msg.GoAway != nil:
		c.mu.Lock()
		c.goAway = true
		c.mu.Unlock()
		c.emit(Event{Type: EventGoAway, Grace: msg.GoAway.Grace()})

	case msg.Error != nil:
		err := fmt.Errorf("live: peer error %d: %s", msg.Error.Code, msg.Error.Message)
		c.emit(Event{Type: EventError, Code: Classify(err), Err: err})
	}
}

func (c *Client) handleContent(sc *frame.ServerContent) {
	// Barge-in wins: interruption drops the buffered output and suppresses
	// any model audio still arriving for the cut-off turn, including parts
	// carried by the interrupting frame itself. Suppression lasts until the
	// next turn boundary.
	if sc.Interrupted {
		c.mu.Lock()
		c.pendingOut = nil
		c.suppressOut = true
		c.mu.Unlock()
		c.emit(Event{Type: EventInterrupted})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				c.mu.Lock()
				if c.suppressOut {
					c.mu.Unlock()
					continue
				}
				c.outSeq++
				seq := c.outSeq
				c.pendingOut = append(c.pendingOut, outChunk{seq: seq, pcm: pcm})
				c.mu.Unlock()
				c.emit(Event{Type: EventAudioOutput, Seq: seq, PCM: pcm})
			}
			if p.Text != "" {
				c.emit(Event{Type: EventOutputTranscription, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(Event{Type: EventInputTranscription, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(Event{Type: EventOutputTranscription, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		c.mu.Lock()
		c.pendingOut = nil
		c.suppressOut = false
		c.mu.Unlock()
		c.emit(Event{Type: EventTurnComplete})
	}
}

// SendAudio accepts one raw PCM chunk, assigns its input sequence number,
// and either writes it or queues it until the connection is ready. The
// returned sequence reflects acceptance order.
func (c *Client) SendAudio(pcm []byte) (int64, error) {
	if len(pcm) == 0 {
		return 0, ErrEmptyChunk
	}
	if len(pcm) > MaxChunkBytes {
		return 0, ErrOversizedChunk
	}

	encoded := base64.StdEncoding.EncodeToString(pcm)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.inSeq++
	seq := c.inSeq
	if c.state != StateReady {
		c.pending = append(c.pending, queuedChunk{seq: seq, data: encoded})
		c.mu.Unlock()
		return seq, nil
	}
	c.mu.Unlock()

	if err := c.writeJSON(frame.NewAudioChunk(encoded)); err != nil {
		return seq, fmt.Errorf("live: send audio: %w", err)
	}
	return seq, nil
}

// becomeReady flips the state to ready and flushes audio queued before setup.
// The write lock is held across both: a chunk accepted the instant the state
// changes blocks behind the flush instead of overtaking the queued backlog.
func (c *Client) becomeReady() {
	c.writeMu.Lock()
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	prev := c.state
	c.state = StateReady
	c.mu.Unlock()

	for _, q := range queued {
		if err := c.writeLocked(frame.NewAudioChunk(q.data)); err != nil {
			c.log.Warn("pending audio flush failed", "seq", q.seq, "err", err)
			break
		}
	}
	c.writeMu.Unlock()

	if prev != StateReady {
		c.emit(Event{Type: EventStateChange, From: prev, To: StateReady})
	}
}

// SendToolResponse returns a tool result to the model.
func (c *Client) SendToolResponse(id, name string, response map[string]any) error {
	if err := c.writeJSON(frame.NewToolResponse(id, name, response)); err != nil {
		return fmt.Errorf("live: send tool response: %w", err)
	}
	return nil
}

// SendText injects a completed user text turn. The orchestrator uses this
// once after setup to prompt the model to start speaking.
func (c *Client) SendText(text string) error {
	if err := c.writeJSON(frame.NewTextTurn(text)); err != nil {
		return fmt.Errorf("live: send text: %w", err)
	}
	return nil
}

// PendingOutputLen reports the number of model audio chunks buffered since
// the last interruption or turn completion.
func (c *Client) PendingOutputLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingOut)
}

// Disconnect closes the connection and stops the client. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

func (c *Client) takeGoAway() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.goAway
	c.goAway = false
	return g
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.emit(Event{Type: EventStateChange, From: prev, To: next})
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(v)
}

// writeLocked encodes and writes one frame. The caller must hold writeMu;
// coder/websocket permits one concurrent writer.
func (c *Client) writeLocked(v any) error {
	data, err := frame.Encode(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return conn.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers ev without blocking forever: delivery races only against
// client shutdown.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
