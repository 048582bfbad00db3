// Package runtime implements the SessionRuntime: the per-session state
// machine that owns one backend.BackendSession, fans its events out to
// any number of subscribers with bounded per-subscriber buffers, runs
// the idle timer, and hands terminal events to the SessionManager's
// persistence hooks.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/event"
	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// State is one of the runtime's five lifecycle states.
type State string

const (
	StateInit               State = "init"
	StateIdle               State = "idle"
	StateStreaming          State = "streaming"
	StateAwaitingPermission State = "awaiting_permission"
	StateEnded              State = "ended"
)

// ErrIllegalTransition is returned for a command that is not valid in
// the runtime's current state; it is always distinguishable from a
// backend or validation error and is never queued silently.
var ErrIllegalTransition = errors.New("runtime: operation not valid in current state")

// ErrPromptInFlight is the specific illegal-transition case of sending
// a second prompt while one is already streaming.
var ErrPromptInFlight = fmt.Errorf("%w: a prompt is already in flight", ErrIllegalTransition)

// Hooks lets the SessionManager wire persistence and lifecycle side
// effects without the runtime importing the store package directly.
// Every field is optional.
type Hooks struct {
	PersistEvent       func(ev *types.SessionEvent)
	PersistMessage     func(msg *types.Message)
	OnActivity         func(now int64)
	OnIdle             func()
	OnExit             func()
	OnBackendSessionID func(backendSessionID string)
}

// Handler receives one runtime-level event at a time, in arrival
// order, never concurrently with itself.
type Handler func(types.SessionEvent)

// Unsubscribe stops a previously-registered subscription.
type Unsubscribe func()

type subscriber struct {
	ch chan types.SessionEvent
}

// Runtime is one session's state machine.
type Runtime struct {
	sessionID   string
	backend     backend.BackendSession
	hooks       Hooks
	idleTimeout time.Duration
	log         zerolog.Logger

	mu               sync.Mutex
	state            State
	lastBackendSessID string

	subMu     sync.Mutex
	subs      map[int]*subscriber
	nextSubID int

	idleTimer *time.Timer
	unsubBack backend.Unsubscribe
}

// New constructs a Runtime in state Init around an already-opened
// backend session. Start must be called before any other operation.
func New(sessionID string, bs backend.BackendSession, idleTimeout time.Duration, hooks Hooks) *Runtime {
	return &Runtime{
		sessionID:   sessionID,
		backend:     bs,
		hooks:       hooks,
		idleTimeout: idleTimeout,
		log:         logging.WithSession(sessionID),
		state:       StateInit,
		subs:        make(map[int]*subscriber),
	}
}

// Start transitions Init -> Idle, subscribes to the backend's event
// feed, and emits an initial status event.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInit {
		r.mu.Unlock()
		return fmt.Errorf("%w: start is only valid from Init", ErrIllegalTransition)
	}
	r.state = StateIdle
	r.mu.Unlock()

	r.unsubBack = r.backend.Subscribe(r.onBackendEvent)
	r.resetIdleTimer()
	r.emit(types.SessionEvent{Type: types.EventStatus, Payload: r.Status()})
	return nil
}

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status snapshots the backend's status alongside the runtime state.
func (r *Runtime) Status() map[string]any {
	st := r.backend.Status()
	return map[string]any{
		"state":            string(r.State()),
		"streaming":        st.Streaming,
		"model":            st.Model,
		"permissionMode":   st.PermissionMode,
		"thinkingLevel":    st.ThinkingLevel,
		"tokensUsed":       st.TokensUsed,
		"resumable":        st.Resumable,
		"backendSessionId": st.BackendSessionID,
	}
}

// --- Inbound operations ---

// SendPrompt enqueues one user turn; valid only from Idle.
func (r *Runtime) SendPrompt(ctx context.Context, text string, images []types.ContentBlock, opts backend.PromptOptions) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrPromptInFlight
	}
	r.state = StateStreaming
	r.mu.Unlock()

	now := time.Now().UnixMilli()
	r.persistMessage(&types.Message{
		ID:        ulid.Make().String(),
		SessionID: r.sessionID,
		Role:      types.RoleUser,
		Content:   types.ContentBlocks{{Type: types.BlockText, Text: text}},
		Timestamp: now,
	})
	r.noteActivity(now)
	r.resetIdleTimer()

	if err := r.backend.Prompt(ctx, text, images, opts); err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		return err
	}
	return nil
}

// Steer hands redirecting content to the backend for the in-flight
// turn; valid only while Streaming. Whether the current generation is
// interrupted is up to the backend.
func (r *Runtime) Steer(ctx context.Context, text string) error {
	if r.State() != StateStreaming {
		return fmt.Errorf("%w: steer is only valid while streaming", ErrIllegalTransition)
	}
	return r.backend.Steer(ctx, text)
}

// FollowUp enqueues a post-turn message; explicitly allowed to queue
// while Streaming or AwaitingPermission.
func (r *Runtime) FollowUp(ctx context.Context, text string) error {
	switch r.State() {
	case StateStreaming, StateAwaitingPermission:
		return r.backend.FollowUp(ctx, text)
	default:
		return fmt.Errorf("%w: followUp is only valid while streaming", ErrIllegalTransition)
	}
}

// CancelPrompt aborts the current turn; valid while Streaming or
// AwaitingPermission.
func (r *Runtime) CancelPrompt(ctx context.Context) error {
	switch r.State() {
	case StateStreaming, StateAwaitingPermission:
		return r.backend.Cancel(ctx)
	default:
		return fmt.Errorf("%w: cancel is only valid while streaming", ErrIllegalTransition)
	}
}

// Interrupt is the hard-stop counterpart of CancelPrompt.
func (r *Runtime) Interrupt(ctx context.Context) error {
	switch r.State() {
	case StateStreaming, StateAwaitingPermission:
		return r.backend.Interrupt(ctx)
	default:
		return fmt.Errorf("%w: interrupt is only valid while streaming", ErrIllegalTransition)
	}
}

// RespondToPermission answers a pending tool-call approval; valid only
// in AwaitingPermission.
func (r *Runtime) RespondToPermission(ctx context.Context, toolCallID, optionID string, answers map[string]any) error {
	if r.State() != StateAwaitingPermission {
		return fmt.Errorf("%w: no pending permission request", ErrIllegalTransition)
	}
	return r.backend.RespondToPermission(ctx, toolCallID, optionID, answers)
}

// CancelPermission withdraws a pending tool-call approval request.
func (r *Runtime) CancelPermission(ctx context.Context, toolCallID string) error {
	if r.State() != StateAwaitingPermission {
		return fmt.Errorf("%w: no pending permission request", ErrIllegalTransition)
	}
	return r.backend.CancelPermission(ctx, toolCallID)
}

// --- Advisory setters (never fatal) ---

func (r *Runtime) SetModel(ctx context.Context, model string) error {
	return r.guardNotEnded(func() error { return r.backend.SetModel(ctx, model) })
}

func (r *Runtime) SetPermissionMode(ctx context.Context, mode string) error {
	return r.guardNotEnded(func() error { return r.backend.SetPermissionMode(ctx, mode) })
}

func (r *Runtime) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	return r.guardNotEnded(func() error { return r.backend.SetMaxThinkingTokens(ctx, tokens) })
}

func (r *Runtime) SetThinkingLevel(ctx context.Context, level string) error {
	return r.guardNotEnded(func() error { return r.backend.SetThinkingLevel(ctx, level) })
}

func (r *Runtime) CycleModel(ctx context.Context) error {
	return r.guardNotEnded(func() error { return r.backend.CycleModel(ctx) })
}

func (r *Runtime) CycleThinkingLevel(ctx context.Context) error {
	return r.guardNotEnded(func() error { return r.backend.CycleThinkingLevel(ctx) })
}

func (r *Runtime) guardNotEnded(fn func() error) error {
	if r.State() == StateEnded {
		return fmt.Errorf("%w: session has ended", ErrIllegalTransition)
	}
	return fn()
}

// Compact, Fork, Navigate, NewSession are rejected unless Idle. The
// conservative Idle-only reading is used since no inbound command
// currently exercises them mid-stream.
func (r *Runtime) Compact(ctx context.Context, instructions string) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: compact is only valid while idle", ErrIllegalTransition)
	}
	return r.backend.Compact(ctx, instructions)
}

func (r *Runtime) Fork(ctx context.Context, entryID string) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: fork is only valid while idle", ErrIllegalTransition)
	}
	return r.backend.Fork(ctx, entryID)
}

func (r *Runtime) Navigate(ctx context.Context, entryID string) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: navigate is only valid while idle", ErrIllegalTransition)
	}
	return r.backend.Navigate(ctx, entryID)
}

func (r *Runtime) NewSession(ctx context.Context) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: newSession is only valid while idle", ErrIllegalTransition)
	}
	return r.backend.NewSession(ctx)
}

// Terminate disposes the backend session and transitions to Ended
// unconditionally; from Ended it is a no-op that returns nil.
func (r *Runtime) Terminate(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateEnded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.backend.Dispose(ctx); err != nil {
		r.log.Warn().Err(err).Msg("runtime: backend dispose returned error")
	}
	r.end()
	return nil
}

// --- Subscription ---

// DefaultSubscriberBuffer is the per-subscriber bounded channel size
//.
const DefaultSubscriberBuffer = 64

// Subscribe registers a new fan-out consumer with the default bounded
// buffer size.
func (r *Runtime) Subscribe() (<-chan types.SessionEvent, Unsubscribe) {
	return r.SubscribeBuffered(DefaultSubscriberBuffer)
}

// SubscribeBuffered registers a new fan-out consumer with an explicit
// buffer size.
func (r *Runtime) SubscribeBuffered(bufferSize int) (<-chan types.SessionEvent, Unsubscribe) {
	sub := &subscriber{ch: make(chan types.SessionEvent, bufferSize)}

	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = sub
	r.subMu.Unlock()

	return sub.ch, func() {
		r.subMu.Lock()
		if s, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(s.ch)
		}
		r.subMu.Unlock()
	}
}

// --- Backend event translation ---

func (r *Runtime) onBackendEvent(ev types.SessionEvent) {
	now := time.Now().UnixMilli()
	r.noteActivity(now)

	switch ev.Type {
	case types.EventPermissionRequest:
		r.mu.Lock()
		r.state = StateAwaitingPermission
		r.mu.Unlock()
		r.stopIdleTimer()
	case types.EventPermissionResolved:
		r.mu.Lock()
		if r.state == StateAwaitingPermission {
			r.state = StateStreaming
		}
		r.mu.Unlock()
		r.resetIdleTimer()
	case types.EventPromptComplete:
		if text, ok := payloadString(ev.Payload, "text"); ok && text != "" {
			r.persistMessage(&types.Message{
				ID:        ulid.Make().String(),
				SessionID: r.sessionID,
				Role:      types.RoleAssistant,
				Content:   types.ContentBlocks{{Type: types.BlockText, Text: text}},
				Timestamp: now,
			})
		}
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		r.resetIdleTimer()
	case types.EventError:
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		r.resetIdleTimer()
	case types.EventExit:
		r.end()
		r.unsubBack()
	}

	if st := r.backend.Status(); st.BackendSessionID != "" {
		r.mu.Lock()
		isNew := r.lastBackendSessID != st.BackendSessionID
		if isNew {
			r.lastBackendSessID = st.BackendSessionID
		}
		r.mu.Unlock()
		if isNew && r.hooks.OnBackendSessionID != nil {
			r.hooks.OnBackendSessionID(st.BackendSessionID)
		}
	}

	r.emit(ev)
}

func payloadString(payload any, key string) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

// end performs the unconditional Ended transition: stops the idle
// timer, emits and persists the exit event, and closes every
// subscriber channel.
func (r *Runtime) end() {
	r.mu.Lock()
	if r.state == StateEnded {
		r.mu.Unlock()
		return
	}
	r.state = StateEnded
	r.mu.Unlock()

	r.stopIdleTimer()
	r.emit(types.SessionEvent{Type: types.EventExit})

	if r.hooks.OnExit != nil {
		r.hooks.OnExit()
	}

	r.subMu.Lock()
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
	r.subMu.Unlock()
}

// --- Idle timer ---

func (r *Runtime) resetIdleTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTimer == nil {
		r.idleTimer = time.AfterFunc(r.idleTimeout, r.onIdleFired)
		return
	}
	r.idleTimer.Reset(r.idleTimeout)
}

func (r *Runtime) stopIdleTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
}

func (r *Runtime) onIdleFired() {
	r.mu.Lock()
	isIdle := r.state == StateIdle
	r.mu.Unlock()
	if !isIdle {
		return
	}

	r.emit(types.SessionEvent{Type: types.EventIdle})
	if r.hooks.OnIdle != nil {
		r.hooks.OnIdle()
	}
	r.end()
}

// --- Plumbing ---

func (r *Runtime) noteActivity(now int64) {
	if r.hooks.OnActivity != nil {
		r.hooks.OnActivity(now)
	}
}

func (r *Runtime) persistMessage(msg *types.Message) {
	if r.hooks.PersistMessage != nil {
		r.hooks.PersistMessage(msg)
	}
}

// persistableEvent reports whether ev should be written as a durable
// SessionEvent row; pure streaming deltas are fanned out live but never
// persisted individually.
func persistableEvent(t types.SessionEventType) bool {
	switch t {
	case types.EventMessageChunk, types.EventThinkingDelta, types.EventToolCallDelta:
		return false
	default:
		return true
	}
}

func (r *Runtime) emit(ev types.SessionEvent) {
	ev.SessionID = r.sessionID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if persistableEvent(ev.Type) && r.hooks.PersistEvent != nil {
		r.hooks.PersistEvent(&ev)
	}

	event.Publish(event.Event{Type: event.SessionRuntimeEvent, Data: event.SessionRuntimeEventData{Event: &ev}})

	r.subMu.Lock()
	var toDrop []int
	for id, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			toDrop = append(toDrop, id)
		}
	}
	for _, id := range toDrop {
		if s, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(s.ch)
		}
	}
	r.subMu.Unlock()

	for range toDrop {
		r.log.Warn().Msg("runtime: dropped slow subscriber")
		dropped := types.SessionEvent{Type: types.EventSubscriberDropped, SessionID: r.sessionID, Timestamp: time.Now().UnixMilli()}
		if r.hooks.PersistEvent != nil {
			r.hooks.PersistEvent(&dropped)
		}
		event.Publish(event.Event{Type: event.SessionRuntimeEvent, Data: event.SessionRuntimeEventData{Event: &dropped}})
	}
}
