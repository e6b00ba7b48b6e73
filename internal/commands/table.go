// ABOUTME: Static role -> permitted command table and command descriptions
// ABOUTME: Authorization is a set-membership check against this table

package commands

import (
	"slices"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
)

// Built-in command names.
const (
	CmdHelp      = "help"
	CmdStatus    = "status"
	CmdStats     = "stats"
	CmdNew       = "new"
	CmdSessions  = "sessions"
	CmdEnd       = "end"
	CmdWhoami    = "whoami"
	CmdReload    = "reload"
	CmdReap      = "reap"
	CmdBroadcast = "broadcast"
	CmdKick      = "kick"
)

// descriptions is shown by help, in display order.
var descriptions = []struct {
	name, usage, summary string
}{
	{CmdHelp, "", "list the commands available to you"},
	{CmdStatus, "", "gateway and backend health"},
	{CmdStats, "", "connection, session, and inference statistics"},
	{CmdWhoami, "", "show your identity and current session"},
	{CmdNew, "[title]", "start a new session"},
	{CmdSessions, "", "list your sessions"},
	{CmdEnd, "", "end the current session"},
	{CmdReload, "", "re-index the security log corpus"},
	{CmdReap, "", "end idle sessions now"},
	{CmdBroadcast, "<text>", "send a notice to every connected user"},
	{CmdKick, "<user>", "disconnect all of a user's connections"},
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var (
	viewerCommands  = []string{CmdHelp, CmdStatus, CmdStats, CmdWhoami, CmdNew, CmdSessions, CmdEnd}
	analystCommands = append(slices.Clone(viewerCommands), CmdReload)
	adminCommands   = append(slices.Clone(analystCommands), CmdReap, CmdBroadcast, CmdKick)
)

// permissions maps each role to the commands it may run.
var permissions = map[auth.Role]map[string]bool{
	auth.RoleViewer:  set(viewerCommands...),
	auth.RoleAnalyst: set(analystCommands...),
	auth.RoleAdmin:   set(adminCommands...),
}

// Permitted reports whether role may run name.
func Permitted(role auth.Role, name string) bool {
	return permissions[role][name]
}

// Known reports whether name is a built-in command.
func Known(name string) bool {
	return permissions[auth.RoleAdmin][name]
}

// PermittedFor returns the command names role may run, in help order.
func PermittedFor(role auth.Role) []string {
	var out []string
	for _, d := range descriptions {
		if Permitted(role, d.name) {
			out = append(out, d.name)
		}
	}
	return out
}
