// ABOUTME: Command Processor: authorizes and executes slash commands
// ABOUTME: Each built-in is an independent handler; reload runs as a background job

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/connection"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/inference"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// ErrForbidden is returned when the caller's role may not run a command.
var ErrForbidden = errors.New("command not permitted for your role")

// ErrUnknownCommand is returned for names that are not built-in commands.
var ErrUnknownCommand = errors.New("unknown command")

// ErrUsage is returned when a command's arguments are invalid.
var ErrUsage = errors.New("usage")

// CommandError carries the user-visible help hint alongside a sentinel.
type CommandError struct {
	Err  error
	Name string
	Hint string
}

func (e *CommandError) Error() string {
	if e.Name == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Name)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Invocation is one command call. It lives only for authorization and
// execution.
type Invocation struct {
	Name         string
	Args         []string
	UserID       string
	Role         auth.Role
	SessionID    string
	ConnectionID string
}

// Result is a command outcome. Effects the orchestrator must apply after
// recording the invocation are flagged here rather than performed by the
// handler.
type Result struct {
	Command string
	Output  string
	Data    map[string]any
	JobID   string

	// SessionID is set when the handler rebound the caller to a new session.
	SessionID string
	// EndSession asks the orchestrator to end the originating session once
	// the invocation has been recorded.
	EndSession bool
}

// Connections is the Connection Manager surface used by commands.
type Connections interface {
	BindSession(ctx context.Context, connID, sessionID, title string) (*store.Session, error)
	Deliver(sessionID string, env *protocol.Envelope) int
	Broadcast(env *protocol.Envelope) int
	EvictUser(userID string, code int, reason string) int
	Counts() connection.Counts
}

// Inference reports backend health and counters.
type Inference interface {
	Stats() inference.Stats
}

// IndexCounter reports the number of indexed documents.
type IndexCounter interface {
	Count() int
}

// Reaper ends idle sessions on demand.
type Reaper interface {
	ReapNow(ctx context.Context) ([]string, error)
}

// Deps are the collaborators handlers act on. Nil optional collaborators
// degrade the commands that use them.
type Deps struct {
	Store       store.Store
	Connections Connections
	Inference   Inference
	Index       IndexCounter
	Reloader    *Reloader
	Reaper      Reaper
	Clock       clock.Clock
	Logger      *slog.Logger
	Sigil       string
	ListLimit   int
}

type handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Processor executes commands on behalf of authenticated users.
type Processor struct {
	deps      Deps
	parser    Parser
	handlers  map[string]handler
	startedAt time.Time
	logger    *slog.Logger
}

// NewProcessor wires the built-in handlers.
func NewProcessor(deps Deps) *Processor {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ListLimit <= 0 {
		deps.ListLimit = 20
	}
	p := &Processor{
		deps:      deps,
		parser:    NewParser(deps.Sigil),
		startedAt: deps.Clock.Now(),
		logger:    logger.With("component", "commands"),
	}
	p.handlers = map[string]handler{
		CmdHelp:      p.help,
		CmdStatus:    p.status,
		CmdStats:     p.stats,
		CmdWhoami:    p.whoami,
		CmdNew:       p.newSession,
		CmdSessions:  p.sessions,
		CmdEnd:       p.end,
		CmdReload:    p.reload,
		CmdReap:      p.reap,
		CmdBroadcast: p.broadcast,
		CmdKick:      p.kick,
	}
	return p
}

// Parser returns the classifier configured with the processor's sigil.
func (p *Processor) Parser() Parser { return p.parser }

// Execute authorizes inv against the role table and runs its handler.
// Forbidden and unknown commands carry the same hint: the caller's own help
// listing, so neither reveals anything help would not.
func (p *Processor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if !Known(inv.Name) {
		return nil, &CommandError{Err: ErrUnknownCommand, Name: inv.Name, Hint: p.hint(inv.Role)}
	}
	if !Permitted(inv.Role, inv.Name) {
		p.logger.Info("command denied", "command", inv.Name, "user", inv.UserID, "role", inv.Role)
		return nil, &CommandError{Err: ErrForbidden, Hint: p.hint(inv.Role)}
	}

	res, err := p.handlers[inv.Name](ctx, inv)
	if err != nil {
		return nil, err
	}
	res.Command = inv.Name
	p.logger.Debug("command executed", "command", inv.Name, "user", inv.UserID)
	return res, nil
}

func (p *Processor) hint(role auth.Role) string {
	names := PermittedFor(role)
	for i, n := range names {
		names[i] = p.parser.Sigil() + n
	}
	return "available commands: " + strings.Join(names, ", ")
}

func usage(name, format string) error {
	return &CommandError{Err: ErrUsage, Name: name, Hint: "usage: " + format}
}

func (p *Processor) help(ctx context.Context, inv *Invocation) (*Result, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, d := range descriptions {
		if !Permitted(inv.Role, d.name) {
			continue
		}
		line := p.parser.Sigil() + d.name
		if d.usage != "" {
			line += " " + d.usage
		}
		fmt.Fprintf(&b, "  %-22s %s\n", line, d.summary)
	}
	b.WriteString("Anything else is sent to the assistant.")
	return &Result{
		Output: b.String(),
		Data:   map[string]any{"commands": PermittedFor(inv.Role)},
	}, nil
}

func (p *Processor) status(ctx context.Context, inv *Invocation) (*Result, error) {
	data := map[string]any{
		"uptime_seconds": int64(p.deps.Clock.Now().Sub(p.startedAt).Seconds()),
	}
	lines := []string{"gateway: ok"}

	if p.deps.Inference != nil {
		st := p.deps.Inference.Stats()
		state := "healthy"
		if !st.Healthy {
			state = "unavailable"
		}
		data["inference"] = state
		lines = append(lines, "inference: "+state)
	}
	if p.deps.Index != nil {
		n := p.deps.Index.Count()
		data["index_documents"] = n
		lines = append(lines, fmt.Sprintf("index: %d documents", n))
	}
	if p.deps.Reloader != nil {
		if job, ok := p.deps.Reloader.Running(); ok {
			data["reload_job"] = job
			lines = append(lines, "reload: running ("+job+")")
		}
	}
	return &Result{Output: strings.Join(lines, "\n"), Data: data}, nil
}

func (p *Processor) stats(ctx context.Context, inv *Invocation) (*Result, error) {
	data := map[string]any{
		"uptime_seconds": int64(p.deps.Clock.Now().Sub(p.startedAt).Seconds()),
	}
	if p.deps.Connections != nil {
		c := p.deps.Connections.Counts()
		data["connections"] = c.Connections
		data["bound_sessions"] = c.BoundSessions
		data["connected_users"] = c.Users
	}
	if p.deps.Store != nil {
		st, err := p.deps.Store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading store stats: %w", err)
		}
		data["active_sessions"] = st.ActiveSessions
		data["total_sessions"] = st.TotalSessions
		data["total_messages"] = st.TotalMessages
	}
	if p.deps.Index != nil {
		data["index_documents"] = p.deps.Index.Count()
	}
	if p.deps.Inference != nil {
		st := p.deps.Inference.Stats()
		data["inference_requests"] = st.Requests
		data["inference_attempts"] = st.Attempts
		data["inference_failures"] = st.Failures
		data["inference_degraded"] = st.Degraded
	}

	keys := []string{
		"connections", "bound_sessions", "active_sessions", "total_messages",
		"index_documents", "inference_requests", "inference_failures", "inference_degraded", "uptime_seconds",
	}
	var b strings.Builder
	for _, k := range keys {
		if v, ok := data[k]; ok {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return &Result{Output: strings.TrimRight(b.String(), "\n"), Data: data}, nil
}

func (p *Processor) whoami(ctx context.Context, inv *Invocation) (*Result, error) {
	return &Result{
		Output: fmt.Sprintf("user: %s\nrole: %s\nsession: %s", inv.UserID, inv.Role, inv.SessionID),
		Data: map[string]any{
			"user_id":       inv.UserID,
			"role":          inv.Role.String(),
			"session_id":    inv.SessionID,
			"connection_id": inv.ConnectionID,
		},
	}, nil
}

func (p *Processor) newSession(ctx context.Context, inv *Invocation) (*Result, error) {
	if p.deps.Connections == nil {
		return nil, errors.New("connections unavailable")
	}
	title := strings.Join(inv.Args, " ")
	sess, err := p.deps.Connections.BindSession(ctx, inv.ConnectionID, protocol.NewSessionID, title)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:    "started session " + sess.ID,
		Data:      map[string]any{"session_id": sess.ID, "title": sess.Title},
		SessionID: sess.ID,
	}, nil
}

func (p *Processor) sessions(ctx context.Context, inv *Invocation) (*Result, error) {
	list, err := p.deps.Store.ListSessions(ctx, inv.UserID, p.deps.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var b strings.Builder
	items := make([]map[string]any, 0, len(list))
	for _, s := range list {
		state := "active"
		if !s.Active {
			state = "ended"
		}
		marker := " "
		if s.ID == inv.SessionID {
			marker = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s %s  %-6s  %s  %s\n", marker, s.ID, state, s.LastActivityAt.Format(time.RFC3339), title)
		items = append(items, map[string]any{
			"id":               s.ID,
			"title":            s.Title,
			"active":           s.Active,
			"last_activity_at": s.LastActivityAt,
		})
	}
	if len(list) == 0 {
		b.WriteString("no sessions")
	}
	return &Result{
		Output: strings.TrimRight(b.String(), "\n"),
		Data:   map[string]any{"sessions": items, "count": len(items)},
	}, nil
}

func (p *Processor) end(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.SessionID == "" {
		return &Result{Output: "no session to end"}, nil
	}
	return &Result{
		Output:     "session " + inv.SessionID + " ended; send a message or " + p.parser.Sigil() + CmdNew + " to start another",
		Data:       map[string]any{"session_id": inv.SessionID},
		EndSession: true,
	}, nil
}

func (p *Processor) reload(ctx context.Context, inv *Invocation) (*Result, error) {
	if p.deps.Reloader == nil {
		return &Result{Output: "retrieval index is disabled"}, nil
	}
	jobID, started := p.deps.Reloader.Start(inv.SessionID, inv.UserID)
	if !started {
		return &Result{
			Output: "reload already running (" + jobID + ")",
			Data:   map[string]any{"job_id": jobID, "started": false},
			JobID:  jobID,
		}, nil
	}
	return &Result{
		Output: "reload started (" + jobID + "); progress will follow",
		Data:   map[string]any{"job_id": jobID, "started": true},
		JobID:  jobID,
	}, nil
}

func (p *Processor) reap(ctx context.Context, inv *Invocation) (*Result, error) {
	if p.deps.Reaper == nil {
		return nil, errors.New("reaper unavailable")
	}
	ended, err := p.deps.Reaper.ReapNow(ctx)
	if err != nil {
		return nil, fmt.Errorf("reaping sessions: %w", err)
	}
	return &Result{
		Output: fmt.Sprintf("ended %d idle session(s)", len(ended)),
		Data:   map[string]any{"ended": len(ended)},
	}, nil
}

func (p *Processor) broadcast(ctx context.Context, inv *Invocation) (*Result, error) {
	text := strings.Join(inv.Args, " ")
	if text == "" {
		return nil, usage(CmdBroadcast, p.parser.Sigil()+CmdBroadcast+" <text>")
	}
	env, err := protocol.NewEnvelope(protocol.TypeSystemNotification, "", protocol.NotificationPayload{
		Code:    protocol.NoticeBroadcast,
		Message: text,
		Data:    map[string]any{"from": inv.UserID},
	}, p.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	n := p.deps.Connections.Broadcast(env)
	return &Result{
		Output: fmt.Sprintf("broadcast delivered to %d connection(s)", n),
		Data:   map[string]any{"delivered": n},
	}, nil
}

func (p *Processor) kick(ctx context.Context, inv *Invocation) (*Result, error) {
	if len(inv.Args) != 1 {
		return nil, usage(CmdKick, p.parser.Sigil()+CmdKick+" <user>")
	}
	target := inv.Args[0]
	n := p.deps.Connections.EvictUser(target, protocol.CloseEvicted, "evicted by "+inv.UserID)
	p.logger.Info("user evicted", "target", target, "by", inv.UserID, "connections", n)
	return &Result{
		Output: fmt.Sprintf("closed %d connection(s) for %s", n, target),
		Data:   map[string]any{"user_id": target, "closed": n},
	}, nil
}
