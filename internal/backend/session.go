package backend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/internal/permission"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// retryBackoff mirrors the teacher's agentic-loop retry policy
// (internal/session/loop.go: cenkalti/backoff with jitter, bounded
// elapsed time) applied here to transient chat-model stream errors.
func retryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

// chatSession is the shared BackendSession implementation behind both
// ClaudeSdkBackend and PiSdkBackend: an eino ToolCallingChatModel
// driven by a small agentic loop (generate, stream deltas, ask
// permission before "applying" a tool call, repeat), reified as the
// ordered, subscribable BackendSession contract.
//
// The underlying agent SDKs this stands in for are treated as opaque;
// this loop is the gateway's concrete substitute for that behavior,
// not a claim about what Claude or Pi actually do internally.
type chatSession struct {
	kind          types.AgentKind
	sessionID     string
	supportsTree  bool
	model         model.ToolCallingChatModel
	modelName     string
	permissionMode string
	thinkingLevel string
	maxThinkTok   int

	permissions *permission.Registry
	doomLoop    *permission.DoomLoopDetector

	mu               sync.Mutex
	streaming        bool
	backendSessionID string
	history          []*schema.Message
	tokensUsed       int64
	cancelTurn       context.CancelFunc

	subMu     sync.Mutex
	subs      map[int]Handler
	nextSubID int
}

func newChatSession(kind types.AgentKind, sessionID string, m model.ToolCallingChatModel, modelName, backendSessionID string, supportsTree bool) *chatSession {
	return &chatSession{
		kind:             kind,
		sessionID:        sessionID,
		supportsTree:     supportsTree,
		model:            m,
		modelName:        modelName,
		permissionMode:   "default",
		thinkingLevel:    "off",
		backendSessionID: backendSessionID,
		permissions:      permission.NewRegistry(),
		doomLoop:         permission.NewDoomLoopDetector(),
		subs:             make(map[int]Handler),
	}
}

func (s *chatSession) emit(ev types.SessionEvent) {
	ev.SessionID = s.sessionID
	ev.Timestamp = time.Now().UnixMilli()

	s.subMu.Lock()
	handlers := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (s *chatSession) Subscribe(h Handler) Unsubscribe {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = h
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *chatSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Streaming:        s.streaming,
		Model:            s.modelName,
		PermissionMode:   s.permissionMode,
		ThinkingLevel:    s.thinkingLevel,
		TokensUsed:       s.tokensUsed,
		Resumable:        s.backendSessionID != "",
		BackendSessionID: s.backendSessionID,
	}
}

// Prompt enqueues one user turn. Rejects with an error — never queued
// silently — if a turn is already in flight.
func (s *chatSession) Prompt(ctx context.Context, text string, images []types.ContentBlock, opts PromptOptions) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return fmt.Errorf("backend: a turn is already in flight for this session")
	}
	if s.backendSessionID == "" {
		s.backendSessionID = ulid.Make().String()
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.streaming = true
	s.cancelTurn = cancel
	s.history = append(s.history, &schema.Message{Role: schema.User, Content: text})
	s.mu.Unlock()

	go s.runTurn(turnCtx)
	return nil
}

// Steer appends redirecting content to the history, which the next
// model step of the running turn sees; valid only while streaming. It
// does not interrupt the generation already in progress.
func (s *chatSession) Steer(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return fmt.Errorf("backend: steer is only valid while streaming")
	}
	s.history = append(s.history, &schema.Message{Role: schema.User, Content: "[steer] " + text})
	return nil
}

// FollowUp enqueues a post-turn message; explicitly allowed to queue
// during Streaming.
func (s *chatSession) FollowUp(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, &schema.Message{Role: schema.User, Content: text})
	return nil
}

func (s *chatSession) Cancel(ctx context.Context) error  { return s.abortTurn() }
func (s *chatSession) Interrupt(ctx context.Context) error { return s.abortTurn() }

func (s *chatSession) abortTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	return nil
}

// Advisory setters: no-ops are acceptable. On this shared
// implementation all of them take effect except CycleModel, which is a
// no-op.
func (s *chatSession) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.modelName = model
	s.mu.Unlock()
	return nil
}

func (s *chatSession) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	s.permissionMode = mode
	s.mu.Unlock()
	return nil
}

func (s *chatSession) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	s.mu.Lock()
	s.maxThinkTok = tokens
	s.mu.Unlock()
	return nil
}

func (s *chatSession) SetThinkingLevel(ctx context.Context, level string) error {
	s.mu.Lock()
	s.thinkingLevel = level
	s.mu.Unlock()
	return nil
}

func (s *chatSession) CycleModel(ctx context.Context) error {
	return nil
}

var thinkingLevels = []string{"off", "low", "medium", "high"}

func (s *chatSession) CycleThinkingLevel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, lvl := range thinkingLevels {
		if lvl == s.thinkingLevel {
			s.thinkingLevel = thinkingLevels[(i+1)%len(thinkingLevels)]
			return nil
		}
	}
	s.thinkingLevel = thinkingLevels[0]
	return nil
}

// Compact summarizes and trims backend history.
func (s *chatSession) Compact(ctx context.Context, instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) <= 1 {
		return nil
	}
	summary := fmt.Sprintf("[compacted %d prior turns]", len(s.history))
	if instructions != "" {
		summary += " instructions: " + instructions
	}
	s.history = []*schema.Message{{Role: schema.System, Content: summary}}
	return nil
}

// Fork, Navigate, NewSession are Pi-only tree operations;
// Claude rejects them with ErrUnsupported.
func (s *chatSession) Fork(ctx context.Context, entryID string) error {
	if !s.supportsTree {
		return ErrUnsupported
	}
	return nil
}

func (s *chatSession) Navigate(ctx context.Context, entryID string) error {
	if !s.supportsTree {
		return ErrUnsupported
	}
	return nil
}

func (s *chatSession) NewSession(ctx context.Context) error {
	if !s.supportsTree {
		return ErrUnsupported
	}
	s.mu.Lock()
	s.history = nil
	s.backendSessionID = ulid.Make().String()
	s.mu.Unlock()
	return nil
}

func (s *chatSession) RespondToPermission(ctx context.Context, toolCallID, optionID string, answers map[string]any) error {
	return s.permissions.Respond(toolCallID, optionID, answers)
}

func (s *chatSession) CancelPermission(ctx context.Context, toolCallID string) error {
	return s.permissions.Cancel(toolCallID)
}

func (s *chatSession) Dispose(ctx context.Context) error {
	s.abortTurn()
	s.emit(types.SessionEvent{Type: types.EventExit})
	return nil
}

// runTurn drives one agentic step: stream a completion, surface
// deltas, and if the model asks for a tool call, gate it behind a
// permission dialogue before continuing. Bounded to maxSteps rounds to
// match the teacher's own MaxSteps guard (internal/session/loop.go).
const maxSteps = 50

func (s *chatSession) runTurn(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	bo := retryBackoff(ctx)
	for step := 0; step < maxSteps; step++ {
		select {
		case <-ctx.Done():
			s.emit(types.SessionEvent{Type: types.EventError, Payload: types.MessageError{Type: "abort", Message: "turn aborted"}})
			return
		default:
		}

		s.mu.Lock()
		msgs := append([]*schema.Message(nil), s.history...)
		s.mu.Unlock()

		stream, err := s.model.Stream(ctx, msgs)
		if err != nil {
			if next := bo.NextBackOff(); next != backoff.Stop {
				time.Sleep(next)
				step--
				continue
			}
			s.emit(types.SessionEvent{Type: types.EventError, Payload: types.MessageError{Type: "api", Message: err.Error()}})
			return
		}

		finishReason, text, toolCalls, usage, err := s.drainStream(ctx, stream)
		stream.Close()
		if err != nil {
			if next := bo.NextBackOff(); next != backoff.Stop {
				time.Sleep(next)
				step--
				continue
			}
			s.emit(types.SessionEvent{Type: types.EventError, Payload: types.MessageError{Type: "api", Message: err.Error()}})
			return
		}
		bo.Reset()

		s.mu.Lock()
		s.tokensUsed += usage
		s.history = append(s.history, &schema.Message{Role: schema.Assistant, Content: text, ToolCalls: toolCalls})
		s.mu.Unlock()

		if len(toolCalls) == 0 {
			s.emit(types.SessionEvent{Type: types.EventPromptComplete, Payload: map[string]any{"finishReason": finishReason, "text": text}})
			return
		}

		ok, denied := s.runToolCalls(ctx, toolCalls)
		if !ok {
			// A denial (or an aborted wait) still ends the turn with a
			// terminal event so the session settles back to idle
			// without the tool being applied.
			if denied {
				s.emit(types.SessionEvent{Type: types.EventPromptComplete, Payload: map[string]any{"finishReason": "denied", "text": text}})
			} else {
				s.emit(types.SessionEvent{Type: types.EventError, Payload: types.MessageError{Type: "abort", Message: "turn aborted"}})
			}
			return
		}
	}

	s.emit(types.SessionEvent{Type: types.EventError, Payload: types.MessageError{Type: "max_steps", Message: "maximum agentic steps reached"}})
}

// drainStream reads every chunk off an eino stream, emitting
// message_chunk events as text arrives, until EOF, a stream error or
// ctx cancellation; a finish reason is recorded but does not end the
// read.
func (s *chatSession) drainStream(ctx context.Context, stream *schema.StreamReader[*schema.Message]) (finishReason, text string, toolCalls []schema.ToolCall, usage int64, err error) {
	var b []byte
	for {
		select {
		case <-ctx.Done():
			return "", string(b), toolCalls, usage, ctx.Err()
		default:
		}

		msg, recvErr := stream.Recv()
		if recvErr == io.EOF {
			return finishReason, string(b), toolCalls, usage, nil
		}
		if recvErr != nil {
			return "", string(b), toolCalls, usage, recvErr
		}

		if msg.Content != "" {
			b = append(b, msg.Content...)
			s.emit(types.SessionEvent{Type: types.EventMessageChunk, Payload: map[string]any{"text": msg.Content}})
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls = append(toolCalls, msg.ToolCalls...)
		}
		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.FinishReason != "" {
				finishReason = msg.ResponseMeta.FinishReason
			}
			if msg.ResponseMeta.Usage != nil {
				usage += int64(msg.ResponseMeta.Usage.TotalTokens)
			}
		}
	}
}

// runToolCalls gates every tool call behind a permission dialogue. ok
// is false the moment one call does not complete; denied distinguishes
// a user denial from an aborted wait.
func (s *chatSession) runToolCalls(ctx context.Context, calls []schema.ToolCall) (ok, denied bool) {
	for _, tc := range calls {
		id := tc.ID
		if id == "" {
			id = ulid.Make().String()
		}

		// The same tool with the same input repeated enough times in a
		// row is auto-denied rather than asked about again.
		if s.doomLoop.Check(s.sessionID, tc.Function.Name, tc.Function.Arguments) {
			s.emit(types.SessionEvent{Type: types.EventToolCallCompleted, Payload: map[string]any{"toolCallId": id, "status": "denied", "reason": "repeated identical tool call"}})
			s.mu.Lock()
			s.history = append(s.history, &schema.Message{Role: schema.Tool, Content: "denied: repeated identical tool call", ToolCallID: id})
			s.mu.Unlock()
			return false, true
		}

		title := fmt.Sprintf("Run %s", tc.Function.Name)
		pending := s.permissions.Open(s.sessionID, id, tc.Function.Name, title, permission.StandardOptions, time.Now().UnixMilli())

		s.emit(types.SessionEvent{Type: types.EventToolCallStarted, Payload: map[string]any{"toolCallId": id, "name": tc.Function.Name, "input": tc.Function.Arguments}})
		s.emit(types.SessionEvent{Type: types.EventPermissionRequest, Payload: pending})

		answer, err := s.permissions.Await(ctx, id, permission.DenyOptionIDs)
		s.emit(types.SessionEvent{Type: types.EventPermissionResolved, Payload: map[string]any{"toolCallId": id, "optionId": answer.OptionID}})

		if err != nil {
			if permission.IsDenied(err) {
				s.emit(types.SessionEvent{Type: types.EventToolCallCompleted, Payload: map[string]any{"toolCallId": id, "status": "denied"}})
				s.mu.Lock()
				s.history = append(s.history, &schema.Message{Role: schema.Tool, Content: "denied by user", ToolCallID: id})
				s.mu.Unlock()
				return false, true
			}
			logging.Warn().Err(err).Str("toolCallId", id).Msg("backend: permission await failed")
			return false, false
		}

		result := fmt.Sprintf("tool %s executed", tc.Function.Name)
		s.emit(types.SessionEvent{Type: types.EventToolCallCompleted, Payload: map[string]any{"toolCallId": id, "status": "ok", "result": result}})
		s.mu.Lock()
		s.history = append(s.history, &schema.Message{Role: schema.Tool, Content: result, ToolCallID: id})
		s.mu.Unlock()
	}
	return true, false
}
