// Package conversation implements the Session Orchestrator and the idle
// session reaper.
//
// # Orchestrator
//
// Every inbound frame a connection's worker dequeues is handed to
// Orchestrator.HandleInbound. Messages are classified by the command parser
// into an explicit chat or command outcome:
//
//   - Commands run through the Command Processor. A system record of the
//     invocation and its result is persisted in the session, then the
//     command_result is delivered to every bound connection.
//   - Chat is recorded first: the user message is persisted before the
//     inference gateway is called, so a failed turn never loses input. The
//     assistant reply, or a degraded-service system record when inference is
//     unavailable, is persisted and delivered. processing_start and
//     processing_end bracket the turn.
//
// Inference runs on the manager's context, not the connection's, so a reply
// is still persisted when its client disconnects mid-turn.
//
// # Reaper
//
// Reaper ends sessions idle for longer than the configured threshold on a
// periodic tick, notifies bound connections and detaches them.
package conversation
