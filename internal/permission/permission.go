// Package permission tracks the exactly-once PendingPermission dialogue
// between an agent backend's tool-call approval requests and a
// client's responses.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// ErrNotFound is returned by Respond/Cancel/Await for an unknown
// toolCallID. The dialogue has an exactly-once lifecycle; a second
// answer to the same call is an error, not a no-op.
var ErrNotFound = errors.New("permission: no pending request for that tool call")

// Answer is what the client sent back for a pending permission request.
type Answer struct {
	OptionID string
	Answers  map[string]any
}

// DeniedError is returned by Await when the chosen option denies the
// tool call.
type DeniedError struct {
	ToolCallID string
	OptionID   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission: tool call %s denied (option %s)", e.ToolCallID, e.OptionID)
}

// IsDenied reports whether err is (or wraps) a DeniedError.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

type entry struct {
	pending *types.PendingPermission
	resp    chan Answer
}

// Registry holds the pending permission dialogues for a single backend
// session, keyed by tool call id. One Registry is owned per
// BackendSession; the SessionRuntime never tracks pendings itself, it
// only forwards client responses into the backend's Registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Open records a new pending permission request and returns the record
// to publish to subscribers as a permission_request event.
func (r *Registry) Open(sessionID, toolCallID, toolName, title string, options []types.PermissionOption, createdAt int64) *types.PendingPermission {
	p := &types.PendingPermission{
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Title:      title,
		Options:    options,
		CreatedAt:  createdAt,
	}
	r.mu.Lock()
	r.entries[toolCallID] = &entry{pending: p, resp: make(chan Answer, 1)}
	r.mu.Unlock()
	return p
}

// Await blocks until the client responds or ctx is cancelled, then
// removes the entry (exactly-once). denyOptionIDs names the options
// that count as a denial; any other option id is treated as approval.
func (r *Registry) Await(ctx context.Context, toolCallID string, denyOptionIDs map[string]bool) (Answer, error) {
	r.mu.Lock()
	e, ok := r.entries[toolCallID]
	r.mu.Unlock()
	if !ok {
		return Answer{}, ErrNotFound
	}
	defer r.remove(toolCallID)

	select {
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	case a := <-e.resp:
		if denyOptionIDs[a.OptionID] {
			return a, &DeniedError{ToolCallID: toolCallID, OptionID: a.OptionID}
		}
		return a, nil
	}
}

// Respond delivers the client's chosen option to the waiting Await
// call for toolCallID.
func (r *Registry) Respond(toolCallID, optionID string, answers map[string]any) error {
	r.mu.Lock()
	e, ok := r.entries[toolCallID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case e.resp <- Answer{OptionID: optionID, Answers: answers}:
		return nil
	default:
		return fmt.Errorf("%w: %s was already answered", ErrNotFound, toolCallID)
	}
}

// Cancel withdraws a pending request without a client answer (the
// backend cancelling its own ask, e.g. on turn interrupt).
func (r *Registry) Cancel(toolCallID string) error {
	if !r.remove(toolCallID) {
		return ErrNotFound
	}
	return nil
}

// Get returns the pending record for toolCallID, if any.
func (r *Registry) Get(toolCallID string) (*types.PendingPermission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[toolCallID]
	if !ok {
		return nil, false
	}
	return e.pending, true
}

// List returns every currently pending permission, used to replay an
// AwaitingPermission state to a reconnecting client.
func (r *Registry) List() []*types.PendingPermission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.PendingPermission, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.pending)
	}
	return out
}

func (r *Registry) remove(toolCallID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[toolCallID]; !ok {
		return false
	}
	delete(r.entries, toolCallID)
	return true
}
