package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/voximetry/voximetry/internal/session"
	"github.com/voximetry/voximetry/pkg/audio"
	"github.com/voximetry/voximetry/pkg/live"
)

const (
	// sendQueueDepth bounds outbound events per connection. Slow clients
	// lose events rather than stall the orchestrator.
	sendQueueDepth = 256

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// wsConn is one client connection. It implements session.Sink; writes go
// through a single writer goroutine.
type wsConn struct {
	server   *Server
	clientIP string
	now      func() time.Time
	norm     *audio.Normalizer

	send chan Envelope

	mu        sync.Mutex
	sessionID string
	handle    sessionHandle
	closed    bool
}

var _ session.Sink = (*wsConn)(nil)

func (s *Server) newConn(clientIP string) *wsConn {
	return &wsConn{
		server:   s,
		clientIP: clientIP,
		now:      time.Now,
		norm:     &audio.Normalizer{Target: audio.LiveInput, Log: s.log},
		send:     make(chan Envelope, sendQueueDepth),
	}
}

func (s *Server) handleWS(c *websocket.Conn) {
	ip, _ := c.Locals("client_ip").(string)
	cn := s.newConn(ip)

	go cn.writePump(c)
	cn.readLoop(c)
	cn.teardown()
}

// Send implements session.Sink. Never blocks; events to a full queue are
// dropped.
func (cn *wsConn) Send(event string, data map[string]any) {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	env := NewEnvelope(event, cn.sessionID, data, cn.now())
	select {
	case cn.send <- env:
		cn.mu.Unlock()
	default:
		cn.mu.Unlock()
		cn.server.log.Warn("outbound queue full, event dropped",
			"session_id", env.SessionID,
			"event", event,
		)
	}
}

func (cn *wsConn) sendError(code live.ErrorCode, retryAfter int) {
	data := map[string]any{
		"errorCode":    string(code),
		"errorMessage": code.UserMessage(),
		"recoverable":  code.Recoverable(),
	}
	if retryAfter > 0 {
		data["retryAfter"] = retryAfter
	}
	cn.Send("error", data)
}

func (cn *wsConn) readLoop(c *websocket.Conn) {
	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		cn.handleRaw(raw)
	}
}

func (cn *wsConn) writePump(c *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env, ok := <-cn.send:
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				cn.server.log.Error("envelope marshal failed", "event", env.Event, "err", err)
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// limiterKey is the session ID once a session runs, the client IP before.
func (cn *wsConn) limiterKey() string {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.sessionID != "" {
		return cn.sessionID
	}
	return cn.clientIP
}

// handleRaw runs the inbound pipeline for one message: rate limit,
// sanitize, validate, route.
func (cn *wsConn) handleRaw(raw []byte) {
	ok, notify := cn.server.msgs.Allow(cn.limiterKey())
	if !ok {
		if cn.server.metrics != nil {
			cn.server.metrics.RateLimitDrops.Add(context.Background(), 1)
		}
		if notify {
			cn.sendError(live.CodeRateLimitExceeded, 1)
		}
		return
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		cn.sendError(live.CodeInvalidMessage, 0)
		return
	}

	if env.Event != EventAudioChunk {
		if SanitizeStrings(env.Data) {
			cn.server.log.Warn("injection signatures stripped",
				"session_id", env.SessionID,
				"event", env.Event,
			)
		}
	}

	if err := env.Validate(); err != nil {
		cn.server.log.Debug("invalid event", "event", env.Event, "err", err)
		cn.sendError(live.CodeValidationError, 0)
		return
	}

	cn.route(env)
}

func (cn *wsConn) route(env Envelope) {
	cn.mu.Lock()
	handle := cn.handle
	cn.mu.Unlock()

	if handle != nil {
		handle.Touch()
	}

	switch env.Event {
	case EventSessionStart:
		cn.startSession(env)

	case EventAudioChunk:
		if handle == nil {
			cn.sendError(live.CodeSessionNotFound, 0)
			return
		}
		pcm, err := env.AudioPayload()
		if err != nil {
			cn.sendError(live.CodeValidationError, 0)
			return
		}
		pcm = cn.norm.Normalize(pcm, env.AudioFormat())
		if len(pcm) == 0 {
			return
		}
		if cn.server.metrics != nil {
			cn.server.metrics.AudioChunksIn.Add(context.Background(), 1)
		}
		handle.HandleAudio(pcm)

	case EventSessionEnd:
		if handle == nil {
			cn.sendError(live.CodeSessionNotFound, 0)
			return
		}
		reason, _ := env.Data["reason"].(string)
		if reason == "" {
			reason = "user_ended"
		}
		go handle.End(context.Background(), reason)

	case EventUserSpeaking:
		// UI hint only.

	default:
		// Reserved events are accepted but not acted on yet.
		cn.server.log.Debug("reserved event ignored", "event", env.Event)
	}
}

func (cn *wsConn) startSession(env Envelope) {
	cn.mu.Lock()
	if cn.handle != nil {
		cn.mu.Unlock()
		cn.sendError(live.CodeValidationError, 0)
		return
	}
	sessionID := uuid.NewString()
	cn.sessionID = sessionID
	cn.mu.Unlock()

	questionnaireID, _ := env.Data["questionnaireId"].(string)
	voiceID, _ := env.Data["voiceId"].(string)
	language, _ := env.Data["language"].(string)
	userID, _ := env.Data["userId"].(string)

	handle, err := cn.server.start(context.Background(), session.StartParams{
		SessionID:       sessionID,
		QuestionnaireID: questionnaireID,
		VoiceID:         voiceID,
		Language:        language,
		UserID:          userID,
		ClientIP:        cn.clientIP,
	}, cn)
	if err != nil {
		cn.server.log.Warn("session start failed",
			"session_id", sessionID,
			"questionnaire", questionnaireID,
			"err", err,
		)
		cn.mu.Lock()
		cn.sessionID = ""
		cn.mu.Unlock()
		cn.sendError(live.CodeValidationError, 0)
		return
	}

	cn.mu.Lock()
	cn.handle = handle
	cn.mu.Unlock()
}

// teardown runs when the read loop exits: an orderly session:end already
// finalized the session; an abrupt disconnect finalizes it here.
func (cn *wsConn) teardown() {
	cn.mu.Lock()
	handle := cn.handle
	cn.mu.Unlock()

	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		handle.End(ctx, "user_ended")
		cancel()
	}

	cn.server.msgs.Forget(cn.limiterKey())

	cn.mu.Lock()
	cn.closed = true
	close(cn.send)
	cn.mu.Unlock()
}
