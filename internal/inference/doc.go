// Package inference turns a user question and its session context into an
// assistant reply.
//
// A Gateway retrieves supporting log excerpts from a retrieval.Index, builds
// a prompt from a trimmed window of prior turns, and calls a Generator under
// a retry Policy. Timeouts, busy responses and connection resets are retried
// with exponential backoff; malformed prompts and empty output are not.
// When every attempt fails Answer returns an *UnavailableError wrapping
// ErrInferenceUnavailable, and the caller degrades the turn instead of
// ending the session.
//
// Retrieval problems never fail a turn. They mark the reply Degraded with a
// reason so clients can flag answers produced without references.
package inference
