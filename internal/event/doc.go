/*
Package event provides a type-safe pub/sub event bus used to decouple
the session runtime, the durable store, and the connection mux.

The package is built on watermill's gochannel for infrastructure while
keeping direct-call semantics so subscriber callbacks see concrete Go
types, not re-marshaled JSON.

# Event types

  - session.created / session.updated / session.deleted
  - session.runtime_event: wraps a types.SessionEvent emitted by a
    SessionRuntime for anyone subscribed to the gateway-wide bus.
    Persistence is wired through runtime.Hooks and the mux's SSE and
    websocket handlers subscribe to the runtime directly; neither
    listens on this bus.
  - message.created
  - permission.requested / permission.resolved

# Bounded subscriptions

SubscribeAllBounded returns a channel-backed subscription with a fixed
capacity. A publish that would block on a full channel drops the event
and signals Dropped instead, so a slow bus subscriber never blocks a
publisher. SessionRuntime fan-out does not go through this; the runtime
keeps its own bounded per-subscriber channels.

# Thread safety

The bus is safe for concurrent publish and subscribe from any number of
goroutines.
*/
package event
