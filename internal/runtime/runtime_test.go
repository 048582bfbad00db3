package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/event"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

func openFakeSession(t *testing.T, scripts map[string][]types.SessionEventType) backend.BackendSession {
	t.Helper()
	fake := backend.NewFakeBackend()
	fake.Scripts = scripts
	bs, err := fake.Open(context.Background(), backend.SessionConfig{SessionID: "s1"}, "")
	require.NoError(t, err)
	return bs
}

func newStartedRuntime(t *testing.T, scripts map[string][]types.SessionEventType, idle time.Duration, hooks Hooks) *Runtime {
	t.Helper()
	event.Reset()
	rt := New("s1", openFakeSession(t, scripts), idle, hooks)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { rt.Terminate(context.Background()) })
	return rt
}

func waitFor(t *testing.T, events <-chan types.SessionEvent, want types.SessionEventType) types.SessionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestStartTransitionsToIdle(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	assert.Equal(t, StateIdle, rt.State())
}

func TestStartTwiceFails(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	assert.ErrorIs(t, rt.Start(context.Background()), ErrIllegalTransition)
}

func TestPromptStreamsAndReturnsToIdle(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "hi", nil, backend.PromptOptions{}))

	waitFor(t, events, types.EventMessageChunk)
	waitFor(t, events, types.EventPromptComplete)

	// The terminal event returns the state machine to Idle.
	require.Eventually(t, func() bool { return rt.State() == StateIdle }, time.Second, 10*time.Millisecond)
}

func TestSecondPromptWhileStreamingRejected(t *testing.T) {
	// A script with no terminal event leaves the runtime Streaming.
	rt := newStartedRuntime(t, map[string][]types.SessionEventType{
		"hang": {types.EventMessageChunk},
	}, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "hang", nil, backend.PromptOptions{}))
	waitFor(t, events, types.EventMessageChunk)

	err := rt.SendPrompt(context.Background(), "again", nil, backend.PromptOptions{})
	require.ErrorIs(t, err, ErrPromptInFlight)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestSteerOnlyWhileStreaming(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	assert.ErrorIs(t, rt.Steer(context.Background(), "left"), ErrIllegalTransition)
}

func TestPermissionRequestPausesStateMachine(t *testing.T) {
	rt := newStartedRuntime(t, map[string][]types.SessionEventType{
		"tool": {types.EventToolCallStarted, types.EventPermissionRequest},
	}, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "tool", nil, backend.PromptOptions{}))
	waitFor(t, events, types.EventPermissionRequest)

	require.Eventually(t, func() bool { return rt.State() == StateAwaitingPermission }, time.Second, 10*time.Millisecond)

	// A prompt in AwaitingPermission is still an illegal transition.
	assert.ErrorIs(t, rt.SendPrompt(context.Background(), "x", nil, backend.PromptOptions{}), ErrPromptInFlight)
	// Cancelling the turn is allowed.
	assert.NoError(t, rt.CancelPrompt(context.Background()))
}

func TestPermissionResolvedResumesStreaming(t *testing.T) {
	rt := newStartedRuntime(t, map[string][]types.SessionEventType{
		"tool": {types.EventPermissionRequest, types.EventPermissionResolved, types.EventPromptComplete},
	}, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "tool", nil, backend.PromptOptions{}))
	waitFor(t, events, types.EventPromptComplete)
	require.Eventually(t, func() bool { return rt.State() == StateIdle }, time.Second, 10*time.Millisecond)
}

func TestIdleTimerEndsSession(t *testing.T) {
	var mu sync.Mutex
	var idled, exited bool
	rt := newStartedRuntime(t, nil, 50*time.Millisecond, Hooks{
		OnIdle: func() { mu.Lock(); idled = true; mu.Unlock() },
		OnExit: func() { mu.Lock(); exited = true; mu.Unlock() },
	})
	events, unsub := rt.Subscribe()
	defer unsub()

	waitFor(t, events, types.EventIdle)
	waitFor(t, events, types.EventExit)

	require.Eventually(t, func() bool { return rt.State() == StateEnded }, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, idled)
	assert.True(t, exited)
}

func TestTerminateEmitsExitAndClosesSubscribers(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.Terminate(context.Background()))
	waitFor(t, events, types.EventExit)

	// Channel closes after the exit event.
	_, open := <-events
	for open {
		_, open = <-events
	}
	assert.Equal(t, StateEnded, rt.State())

	// Terminate is idempotent.
	assert.NoError(t, rt.Terminate(context.Background()))
}

func TestOperationsAfterEndRejected(t *testing.T) {
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{})
	require.NoError(t, rt.Terminate(context.Background()))

	assert.ErrorIs(t, rt.SendPrompt(context.Background(), "x", nil, backend.PromptOptions{}), ErrIllegalTransition)
	assert.ErrorIs(t, rt.SetModel(context.Background(), "m"), ErrIllegalTransition)
	assert.ErrorIs(t, rt.Compact(context.Background(), ""), ErrIllegalTransition)
}

func TestSlowSubscriberDroppedWithoutBlockingOthers(t *testing.T) {
	script := make([]types.SessionEventType, 0, 40)
	for i := 0; i < 39; i++ {
		script = append(script, types.EventMessageChunk)
	}
	script = append(script, types.EventPromptComplete)

	rt := newStartedRuntime(t, map[string][]types.SessionEventType{"burst": script}, time.Minute, Hooks{})

	// The slow subscriber has a tiny buffer and never reads.
	slow, slowUnsub := rt.SubscribeBuffered(1)
	defer slowUnsub()
	// The healthy subscriber keeps up.
	fast, fastUnsub := rt.SubscribeBuffered(64)
	defer fastUnsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "burst", nil, backend.PromptOptions{}))
	waitFor(t, fast, types.EventPromptComplete)

	// The slow subscriber's channel must have been closed on overflow.
	drained := 0
	closed := false
	for !closed {
		select {
		case _, ok := <-slow:
			if !ok {
				closed = true
				break
			}
			drained++
		case <-time.After(2 * time.Second):
			t.Fatal("slow subscriber channel was never closed")
		}
	}
	assert.LessOrEqual(t, drained, 2)
}

func TestEventOrderIsBackendOrder(t *testing.T) {
	script := []types.SessionEventType{
		types.EventThinkingDelta,
		types.EventMessageChunk,
		types.EventToolCallStarted,
		types.EventToolCallCompleted,
		types.EventPromptComplete,
	}
	rt := newStartedRuntime(t, map[string][]types.SessionEventType{"seq": script}, time.Minute, Hooks{})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "seq", nil, backend.PromptOptions{}))

	var got []types.SessionEventType
	deadline := time.After(5 * time.Second)
	for len(got) < len(script) {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}
	assert.Equal(t, script, got)
}

func TestBackendSessionIDHookFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{
		OnBackendSessionID: func(id string) { mu.Lock(); ids = append(ids, id); mu.Unlock() },
	})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "hi", nil, backend.PromptOptions{}))
	waitFor(t, events, types.EventPromptComplete)

	require.NoError(t, rt.Terminate(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ids)
	first := ids[0]
	for _, id := range ids {
		assert.Equal(t, first, id)
	}
}

func TestPersistsUserMessageOnPrompt(t *testing.T) {
	var mu sync.Mutex
	var persisted []*types.Message
	rt := newStartedRuntime(t, nil, time.Minute, Hooks{
		PersistMessage: func(msg *types.Message) { mu.Lock(); persisted = append(persisted, msg); mu.Unlock() },
	})
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(context.Background(), "hello", nil, backend.PromptOptions{}))
	waitFor(t, events, types.EventPromptComplete)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, persisted)
	assert.Equal(t, types.RoleUser, persisted[0].Role)
	assert.Equal(t, "hello", persisted[0].Content.Text())
}
