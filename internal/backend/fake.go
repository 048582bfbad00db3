package backend

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aperture-ai/aperture-gateway/internal/permission"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// FakeBackend is a scripted, deterministic AgentBackend used by tests
// so the gateway's admission, runtime, and mux layers can be exercised
// without live provider credentials.
type FakeBackend struct {
	// Scripts maps a prompt's exact text to the events to replay in
	// order; any prompt not present in Scripts gets a one-chunk echo
	// followed by prompt_complete.
	Scripts map[string][]types.SessionEventType

	// Unready, when set, makes EnsureInstalled report not-ready.
	Unready bool

	// ValidateAuthErr, when set, is returned from ValidateAuth.
	ValidateAuthErr error
}

func NewFakeBackend() *FakeBackend { return &FakeBackend{} }

func (b *FakeBackend) Name() string          { return "fake" }
func (b *FakeBackend) Kind() types.AgentKind { return types.AgentClaudeSDK }

func (b *FakeBackend) EnsureInstalled(ctx context.Context) Readiness {
	if b.Unready {
		return Readiness{Ready: false, Detail: "fake backend scripted as unready"}
	}
	return Readiness{Ready: true}
}

// ValidateAuth applies the same shared rules as the real adapters (with
// the widest provider set) so tests driving the manager through a fake
// exercise the production validation path; ValidateAuthErr overrides.
func (b *FakeBackend) ValidateAuth(auth types.SessionAuth, policy AuthPolicy) error {
	if b.ValidateAuthErr != nil {
		return b.ValidateAuthErr
	}
	return validateAuthCommon(piProviders, auth, policy.VaultConfigured)
}

func (b *FakeBackend) Open(ctx context.Context, cfg SessionConfig, resolvedKey string) (BackendSession, error) {
	return &fakeSession{
		sessionID:   cfg.SessionID,
		scripts:     b.Scripts,
		permissions: permission.NewRegistry(),
		backendID:   cfg.BackendSessionID,
		model:       "fake-model",
	}, nil
}

// fakeSession is a scripted BackendSession: Prompt plays back the
// matching script (or a default echo) as a sequence of events on a
// goroutine, so callers observe the same async, ordered delivery a
// real backend gives them.
type fakeSession struct {
	sessionID   string
	scripts     map[string][]types.SessionEventType
	permissions *permission.Registry

	mu        sync.Mutex
	streaming bool
	backendID string
	model     string
	mode      string
	thinking  string

	subMu sync.Mutex
	subs  map[int]Handler
	next  int
}

func (s *fakeSession) emit(ev types.SessionEvent) {
	ev.SessionID = s.sessionID
	ev.Timestamp = time.Now().UnixMilli()
	s.subMu.Lock()
	hs := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		hs = append(hs, h)
	}
	s.subMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (s *fakeSession) Subscribe(h Handler) Unsubscribe {
	s.subMu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.subs[id] = h
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *fakeSession) Prompt(ctx context.Context, text string, images []types.ContentBlock, opts PromptOptions) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrUnsupported
	}
	if s.backendID == "" {
		s.backendID = ulid.Make().String()
	}
	s.streaming = true
	s.mu.Unlock()

	script := s.scripts[text]
	go func() {
		defer func() {
			s.mu.Lock()
			s.streaming = false
			s.mu.Unlock()
		}()
		if len(script) == 0 {
			s.emit(types.SessionEvent{Type: types.EventMessageChunk, Payload: map[string]any{"text": text}})
			s.emit(types.SessionEvent{Type: types.EventPromptComplete, Payload: map[string]any{"finishReason": "stop"}})
			return
		}
		for _, evType := range script {
			s.emit(types.SessionEvent{Type: evType})
		}
	}()
	return nil
}

func (s *fakeSession) Steer(ctx context.Context, text string) error    { return nil }
func (s *fakeSession) FollowUp(ctx context.Context, text string) error { return nil }
func (s *fakeSession) Cancel(ctx context.Context) error                { return nil }
func (s *fakeSession) Interrupt(ctx context.Context) error             { return nil }

func (s *fakeSession) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}
func (s *fakeSession) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}
func (s *fakeSession) SetMaxThinkingTokens(ctx context.Context, tokens int) error { return nil }
func (s *fakeSession) SetThinkingLevel(ctx context.Context, level string) error {
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	return nil
}
func (s *fakeSession) CycleModel(ctx context.Context) error         { return nil }
func (s *fakeSession) CycleThinkingLevel(ctx context.Context) error { return nil }
func (s *fakeSession) Compact(ctx context.Context, instructions string) error { return nil }

func (s *fakeSession) Fork(ctx context.Context, entryID string) error     { return ErrUnsupported }
func (s *fakeSession) Navigate(ctx context.Context, entryID string) error { return ErrUnsupported }
func (s *fakeSession) NewSession(ctx context.Context) error               { return ErrUnsupported }

func (s *fakeSession) RespondToPermission(ctx context.Context, toolCallID, optionID string, answers map[string]any) error {
	return s.permissions.Respond(toolCallID, optionID, answers)
}

func (s *fakeSession) CancelPermission(ctx context.Context, toolCallID string) error {
	return s.permissions.Cancel(toolCallID)
}

func (s *fakeSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Streaming:        s.streaming,
		Model:            s.model,
		PermissionMode:   s.mode,
		ThinkingLevel:    s.thinking,
		Resumable:        s.backendID != "",
		BackendSessionID: s.backendID,
	}
}

func (s *fakeSession) Dispose(ctx context.Context) error {
	s.emit(types.SessionEvent{Type: types.EventExit})
	return nil
}
