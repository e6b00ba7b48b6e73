// Package connection implements the Connection Manager: the set of live
// client connections, their user and session bindings, outbound fan-out and
// the bounded inbound queue in front of the orchestrator.
//
// Each Conn owns a buffered outbound channel that its transport drains
// (the WebSocket write pump in internal/gateway). Delivery never blocks: when
// a connection's buffer is full the envelope is dropped for that connection
// and logged, and every other bound connection still receives it.
//
// Connections and session bindings live in separately locked maps so that
// binding or delivering on one session does not serialize unrelated
// sessions. A connection's own mutex is always taken before the session map
// lock, never the other way round.
package connection
