// Package dedupe suppresses duplicate inbound chat messages. Clients tag
// each message with a client_msg_id and may resend it after a reconnect;
// the gateway marks each id here and ignores resends inside the window.
package dedupe
