// ABOUTME: Terminal rendering of gateway envelopes
// ABOUTME: One line (or block) per envelope, colored by kind

package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
)

type renderer struct {
	user, assistant, system, errc, dim *color.Color
}

func newRenderer(enabled bool) *renderer {
	r := &renderer{
		user:      color.New(color.FgGreen, color.Bold),
		assistant: color.New(color.FgCyan),
		system:    color.New(color.FgYellow),
		errc:      color.New(color.FgRed, color.Bold),
		dim:       color.New(color.FgHiBlack),
	}
	if !enabled {
		for _, c := range []*color.Color{r.user, r.assistant, r.system, r.errc, r.dim} {
			c.DisableColor()
		}
	}
	return r
}

// envelope formats env for display. Frames with nothing to show return "".
func (r *renderer) envelope(env *protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeConnectionEstablished:
		var p protocol.ConnectionEstablishedPayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		return r.dim.Sprintf("connected as %s (%s)", p.UserID, p.Role)

	case protocol.TypeChatMessage:
		var p protocol.ChatMessagePayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		if p.Role == "user" {
			return r.user.Sprint("> ") + p.Content
		}
		var b strings.Builder
		b.WriteString(r.assistant.Sprint(p.Content))
		if p.Degraded {
			b.WriteString(r.system.Sprint("\n  [degraded: answered without log context]"))
		}
		if p.Truncated {
			b.WriteString(r.system.Sprint("\n  [truncated]"))
		}
		for i, ref := range p.References {
			b.WriteString(r.dim.Sprintf("\n  [%d] %s (%.2f)", i+1, ref.Source, ref.Score))
		}
		return b.String()

	case protocol.TypeCommandResult:
		var p protocol.CommandResultPayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		return r.dim.Sprintf("/%s", p.Command) + "\n" + p.Output

	case protocol.TypeSystemNotification:
		var p protocol.NotificationPayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		return r.system.Sprintf("* %s", p.Message)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		s := r.errc.Sprintf("! %s: %s", p.Code, p.Message)
		if p.Hint != "" {
			s += "\n" + r.dim.Sprint(p.Hint)
		}
		return s

	case protocol.TypeProcessingStart:
		return r.dim.Sprint("... thinking")
	}
	return ""
}

// closeReason names the gateway's connection-level close codes.
func (r *renderer) closeReason(code int) string {
	switch code {
	case protocol.CloseAuthRejected:
		return "authentication rejected"
	case protocol.CloseIdleTimeout:
		return "idle timeout"
	case protocol.CloseEvicted:
		return "evicted by an administrator"
	case protocol.CloseSlowConsumer:
		return "too far behind; reconnect to reload the session"
	case protocol.CloseGoingAway:
		return "gateway shutting down"
	}
	return fmt.Sprintf("code %d", code)
}
