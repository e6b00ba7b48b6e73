// ABOUTME: Session Orchestrator: routes inbound frames to commands or inference
// ABOUTME: Record first, then act: user input is persisted before any backend call

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/commands"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/connection"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/dedupe"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/inference"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

const (
	// titleRunes is how much of the first chat message becomes the title.
	titleRunes = 60

	defaultContextMessages = 20

	degradedNotice = "The assistant is unavailable right now. Your message was saved; please try again shortly."
)

// Connections is the Connection Manager surface the orchestrator drives.
type Connections interface {
	BindSession(ctx context.Context, connID, sessionID, title string) (*store.Session, error)
	Deliver(sessionID string, env *protocol.Envelope) int
	DeliverToConnection(connID string, env *protocol.Envelope) error
	Unbind(sessionID string) []string
}

// Answerer produces assistant replies.
type Answerer interface {
	Answer(ctx context.Context, sessionID, userText string, history []*store.Message) (*inference.Reply, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store       store.Store
	Connections Connections
	Commands    *commands.Processor
	Answerer    Answerer
	// Dedupe suppresses repeated client message ids. Optional.
	Dedupe *dedupe.Cache
	Clock  clock.Clock
	Logger *slog.Logger
	// ContextMessages is how many prior messages are fetched for inference.
	ContextMessages int
}

// Orchestrator handles inbound frames for every connection.
type Orchestrator struct {
	store    store.Store
	conns    Connections
	commands *commands.Processor
	parser   commands.Parser
	answerer Answerer
	dedupe   *dedupe.Cache
	clock    clock.Clock
	logger   *slog.Logger
	ctxMsgs  int
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ContextMessages <= 0 {
		deps.ContextMessages = defaultContextMessages
	}
	return &Orchestrator{
		store:    deps.Store,
		conns:    deps.Connections,
		commands: deps.Commands,
		parser:   deps.Commands.Parser(),
		answerer: deps.Answerer,
		dedupe:   deps.Dedupe,
		clock:    deps.Clock,
		logger:   logger.With("component", "orchestrator"),
		ctxMsgs:  deps.ContextMessages,
	}
}

// HandleInbound implements connection.Handler.
func (o *Orchestrator) HandleInbound(ctx context.Context, c *connection.Conn, f *protocol.InboundFrame) {
	switch f.Type {
	case protocol.TypePing:
		o.toConnection(c, o.envelope(protocol.TypePong, c.SessionID(), nil))
	case protocol.TypeBindSession:
		if _, err := o.conns.BindSession(ctx, c.ID, f.SessionID, f.Title); err != nil {
			o.toConnection(c, o.errorEnvelope(c.SessionID(), err, "", f.ClientMsgID))
		}
	case protocol.TypeMessage:
		o.handleMessage(ctx, c, f)
	default:
		o.toConnection(c, o.errorEnvelope(c.SessionID(), protocol.ErrInvalidFrame, "", f.ClientMsgID))
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, c *connection.Conn, f *protocol.InboundFrame) {
	logger := o.logger.With("connection_id", c.ID, "user_id", c.UserID)

	var dedupeKey string
	if o.dedupe != nil && f.ClientMsgID != "" {
		dedupeKey = dedupe.Key(c.UserID, f.ClientMsgID)
		if o.dedupe.CheckAndMark(dedupeKey) {
			logger.Debug("duplicate message dropped", "client_msg_id", f.ClientMsgID)
			o.toConnection(c, o.envelope(protocol.TypeSystemNotification, c.SessionID(), protocol.NotificationPayload{
				Code:    protocol.CodeDuplicate,
				Message: "message already received",
				Data:    map[string]any{"client_msg_id": f.ClientMsgID},
			}))
			return
		}
	}
	forget := func() {
		if dedupeKey != "" {
			o.dedupe.Forget(dedupeKey)
		}
	}

	sessionID, err := o.resolveSession(ctx, c, f.SessionID)
	if err != nil {
		forget()
		logger.Info("message rejected: no session", "requested", f.SessionID, "error", err)
		o.toConnection(c, o.errorEnvelope(c.SessionID(), err, "", f.ClientMsgID))
		return
	}

	cls := o.parser.Classify(f.Content)
	switch cls.Kind {
	case commands.KindCommand:
		o.handleCommand(ctx, c, sessionID, cls, f, logger)
	case commands.KindChat:
		if !o.handleChat(ctx, c, sessionID, f, logger) {
			forget()
		}
	}
}

// resolveSession returns the session a message belongs to, binding first
// when the frame names a different session or the connection is unbound.
func (o *Orchestrator) resolveSession(ctx context.Context, c *connection.Conn, requested string) (string, error) {
	current := c.SessionID()
	switch {
	case requested != "" && requested != current:
		sess, err := o.conns.BindSession(ctx, c.ID, requested, "")
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	case current != "":
		return current, nil
	}
	sess, err := o.conns.BindSession(ctx, c.ID, protocol.NewSessionID, "")
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (o *Orchestrator) handleCommand(ctx context.Context, c *connection.Conn, sessionID string, cls commands.Classification, f *protocol.InboundFrame, logger *slog.Logger) {
	inv := &commands.Invocation{
		Name:         cls.Name,
		Args:         cls.Args,
		UserID:       c.UserID,
		Role:         c.Role,
		SessionID:    sessionID,
		ConnectionID: c.ID,
	}
	res, execErr := o.commands.Execute(ctx, inv)

	meta := map[string]any{
		"kind":    "command",
		"command": cls.Name,
		"args":    cls.Args,
		"user_id": c.UserID,
	}
	if f.ClientMsgID != "" {
		meta["client_msg_id"] = f.ClientMsgID
	}
	if execErr != nil {
		meta["status"] = ErrorCode(execErr)
		meta["error"] = execErr.Error()
	} else {
		meta["status"] = "ok"
		meta["output"] = res.Output
		if res.JobID != "" {
			meta["job_id"] = res.JobID
		}
	}
	if _, err := o.store.AppendMessage(ctx, sessionID, store.RoleSystem, cls.Text, meta); err != nil {
		logger.Warn("failed to record command invocation", "session_id", sessionID, "command", cls.Name, "error", err)
	}

	if execErr != nil {
		var hint string
		var ce *commands.CommandError
		if errors.As(execErr, &ce) {
			hint = ce.Hint
		}
		o.toSession(sessionID, c, o.errorEnvelope(sessionID, execErr, hint, f.ClientMsgID))
		return
	}

	target := sessionID
	if res.SessionID != "" {
		target = res.SessionID
	}
	o.toSession(target, c, o.envelope(protocol.TypeCommandResult, target, protocol.CommandResultPayload{
		Command: res.Command,
		Output:  res.Output,
		Data:    res.Data,
		JobID:   res.JobID,
	}))

	if res.EndSession {
		o.endSession(ctx, sessionID, logger)
	}
}

// endSession ends sessionID, tells its connections, and detaches them.
func (o *Orchestrator) endSession(ctx context.Context, sessionID string, logger *slog.Logger) {
	if err := o.store.EndSession(ctx, sessionID); err != nil {
		logger.Error("failed to end session", "session_id", sessionID, "error", err)
		return
	}
	o.conns.Deliver(sessionID, o.envelope(protocol.TypeSystemNotification, sessionID, protocol.NotificationPayload{
		Code:    protocol.NoticeSessionEnded,
		Message: "session ended",
	}))
	o.conns.Unbind(sessionID)
	logger.Info("session ended by user", "session_id", sessionID)
}

// handleChat runs one inference turn. It reports whether the user message
// was persisted.
func (o *Orchestrator) handleChat(ctx context.Context, c *connection.Conn, sessionID string, f *protocol.InboundFrame, logger *slog.Logger) bool {
	logger = logger.With("session_id", sessionID)

	meta := map[string]any{}
	if f.ClientMsgID != "" {
		meta["client_msg_id"] = f.ClientMsgID
	}
	userMsg, err := o.store.AppendMessage(ctx, sessionID, store.RoleUser, f.Content, meta)
	if err != nil {
		logger.Warn("failed to persist user message", "error", err)
		o.toConnection(c, o.errorEnvelope(sessionID, err, "", f.ClientMsgID))
		return false
	}
	history, err := o.history(ctx, sessionID, userMsg.Seq)
	if err != nil {
		logger.Warn("failed to load context; answering without history", "error", err)
	} else if len(history) == 0 {
		o.autoTitle(ctx, sessionID, f.Content, logger)
	}
	o.conns.Deliver(sessionID, o.messageEnvelope(userMsg, nil, f.ClientMsgID))

	o.conns.Deliver(sessionID, o.envelope(protocol.TypeProcessingStart, sessionID, protocol.ProcessingPayload{
		ClientMsgID: f.ClientMsgID,
		MessageID:   userMsg.ID,
	}))
	defer o.conns.Deliver(sessionID, o.envelope(protocol.TypeProcessingEnd, sessionID, protocol.ProcessingPayload{
		ClientMsgID: f.ClientMsgID,
		MessageID:   userMsg.ID,
	}))

	reply, err := o.answerer.Answer(ctx, sessionID, f.Content, history)
	if err != nil {
		o.degradeTurn(ctx, sessionID, userMsg, f.ClientMsgID, err, logger)
		return true
	}

	assistantMsg, err := o.store.AppendMessage(ctx, sessionID, store.RoleAssistant, reply.Content, replyMetadata(reply, userMsg.ID))
	if err != nil {
		// The session ended while inference ran.
		logger.Warn("failed to persist assistant reply", "error", err)
		o.conns.Deliver(sessionID, o.errorEnvelope(sessionID, err, "", f.ClientMsgID))
		return true
	}
	o.conns.Deliver(sessionID, o.messageEnvelope(assistantMsg, reply, f.ClientMsgID))
	logger.Debug("turn completed", "reply", reply.String(), "attempts", reply.Attempts)
	return true
}

// history returns the user and assistant messages before seq, oldest
// first. It is empty only when seq is the session's first chat message.
func (o *Orchestrator) history(ctx context.Context, sessionID string, seq int64) ([]*store.Message, error) {
	msgs, err := o.store.GetRecentTurns(ctx, sessionID, o.ctxMsgs+1)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Seq < seq {
			out = append(out, m)
		}
	}
	if len(out) > o.ctxMsgs {
		out = out[len(out)-o.ctxMsgs:]
	}
	return out, nil
}

func (o *Orchestrator) autoTitle(ctx context.Context, sessionID, content string, logger *slog.Logger) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil || sess.Title != "" {
		return
	}
	if err := o.store.SetTitle(ctx, sessionID, titleFrom(content)); err != nil {
		logger.Debug("failed to set session title", "error", err)
	}
}

func titleFrom(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= titleRunes {
		return t
	}
	return string([]rune(t)[:titleRunes])
}

// degradeTurn records and surfaces an inference failure. The user message
// stays persisted; no assistant message is written.
func (o *Orchestrator) degradeTurn(ctx context.Context, sessionID string, userMsg *store.Message, clientMsgID string, err error, logger *slog.Logger) {
	meta := map[string]any{
		"kind":     "notice",
		"code":     protocol.NoticeDegraded,
		"reply_to": userMsg.ID,
	}
	var ue *inference.UnavailableError
	if errors.As(err, &ue) {
		meta["class"] = string(ue.Class)
		meta["attempts"] = ue.Attempts
	}
	if _, perr := o.store.AppendMessage(ctx, sessionID, store.RoleSystem, degradedNotice, meta); perr != nil {
		logger.Warn("failed to record degraded notice", "error", perr)
	}
	logger.Warn("turn degraded: inference unavailable", "error", err)
	o.conns.Deliver(sessionID, o.envelope(protocol.TypeError, sessionID, protocol.ErrorPayload{
		Code:        protocol.CodeInferenceUnavailable,
		Message:     degradedNotice,
		ClientMsgID: clientMsgID,
	}))
}

func replyMetadata(r *inference.Reply, replyTo string) map[string]any {
	meta := map[string]any{
		"reply_to": replyTo,
		"attempts": r.Attempts,
	}
	if r.Degraded {
		meta["degraded"] = true
		meta["degraded_reason"] = r.DegradedReason
	}
	if r.Truncated {
		meta["truncated"] = true
	}
	if len(r.References) > 0 {
		refs := make([]map[string]any, 0, len(r.References))
		for _, ref := range r.References {
			refs = append(refs, map[string]any{"id": ref.ID, "source": ref.Source, "score": ref.Score})
		}
		meta["references"] = refs
	}
	return meta
}

func (o *Orchestrator) messageEnvelope(m *store.Message, r *inference.Reply, clientMsgID string) *protocol.Envelope {
	p := protocol.ChatMessagePayload{
		MessageID:   m.ID,
		Seq:         m.Seq,
		Role:        string(m.Role),
		Content:     m.Content,
		ClientMsgID: clientMsgID,
	}
	if r != nil {
		p.HTML = r.HTML
		p.Degraded = r.Degraded
		p.Truncated = r.Truncated
		for _, ref := range r.References {
			p.References = append(p.References, protocol.Reference{
				ID:      ref.ID,
				Source:  ref.Source,
				Score:   ref.Score,
				Snippet: ref.Snippet(200),
			})
		}
	}
	return o.envelope(protocol.TypeChatMessage, m.SessionID, p)
}

// toSession delivers to the session, falling back to the originating
// connection when nothing is bound (for example after a disconnect).
func (o *Orchestrator) toSession(sessionID string, c *connection.Conn, env *protocol.Envelope) {
	if env == nil {
		return
	}
	if o.conns.Deliver(sessionID, env) == 0 {
		o.toConnection(c, env)
	}
}

func (o *Orchestrator) toConnection(c *connection.Conn, env *protocol.Envelope) {
	if env == nil {
		return
	}
	if err := o.conns.DeliverToConnection(c.ID, env); err != nil {
		o.logger.Debug("connection gone; envelope dropped", "connection_id", c.ID, "type", env.Type)
	}
}

func (o *Orchestrator) envelope(typ, sessionID string, payload any) *protocol.Envelope {
	env, err := protocol.NewEnvelope(typ, sessionID, payload, o.clock.Now())
	if err != nil {
		o.logger.Error("failed to build envelope", "type", typ, "error", err)
		return nil
	}
	return env
}

func (o *Orchestrator) errorEnvelope(sessionID string, err error, hint, clientMsgID string) *protocol.Envelope {
	code := ErrorCode(err)
	msg := err.Error()
	if code == protocol.CodeInternalError {
		msg = "internal error"
	}
	return o.envelope(protocol.TypeError, sessionID, protocol.ErrorPayload{
		Code:        code,
		Message:     msg,
		Hint:        hint,
		ClientMsgID: clientMsgID,
	})
}

// ErrorCode maps the error taxonomy to stable wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, store.ErrSessionClosed):
		return protocol.CodeSessionClosed
	case errors.Is(err, connection.ErrForbidden), errors.Is(err, commands.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, commands.ErrUnknownCommand):
		return protocol.CodeUnknownCommand
	case errors.Is(err, commands.ErrUsage), errors.Is(err, protocol.ErrInvalidFrame):
		return protocol.CodeInvalidMessage
	case errors.Is(err, inference.ErrInferenceUnavailable):
		return protocol.CodeInferenceUnavailable
	case errors.Is(err, connection.ErrBackpressure):
		return protocol.CodeBackpressure
	}
	return protocol.CodeInternalError
}
