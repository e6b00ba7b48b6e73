// Package protocol defines the JSON frames exchanged between chat clients
// and the gateway over WebSocket.
//
// Outbound traffic is always an Envelope:
//
//	{"type":"chat_message","session_id":"…","payload":{…},"timestamp":"…"}
//
// Inbound traffic is an InboundFrame of type message, bind_session or ping.
// Turn-level faults arrive as error envelopes with a stable Code; faults
// that end the connection use the Close* WebSocket close codes.
package protocol
