// Package permission implements the tool-call approval dialogue: when
// a BackendSession's tool call needs approval, it
// opens a Registry entry describing the call and the options offered,
// the SessionRuntime fans that out as a permission_request event, and
// a client's eventual permission_response is delivered back into the
// same Registry to unblock the backend.
//
// The lifecycle is exactly-once: Open creates an entry; Await removes
// it once Respond has delivered the client's answer (or its context
// ends), and Cancel removes it when the backend withdraws the ask.
package permission
