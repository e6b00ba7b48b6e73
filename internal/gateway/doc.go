// Package gateway assembles the secchat server process.
//
// # Overview
//
// The Gateway owns every long-lived component: the conversation store, the
// connection manager, the conversation orchestrator, the inference gateway,
// the retrieval index with its corpus watcher, and the network servers.
// New builds and wires them; Run serves until its context ends; Shutdown
// releases everything in dependency order.
//
// # HTTP Surface
//
//   - GET /ws - WebSocket endpoint (token in Authorization header or ?token=)
//   - GET /api/sessions - the caller's sessions
//   - GET /api/sessions/:id/messages?limit= - history, owner only
//   - GET /api/stats - live counters, admin only
//   - GET /health - liveness
//   - GET /health/ready - 503 while the inference backend is unhealthy
//
// # WebSocket Lifecycle
//
// The request is upgraded before the token is checked so that a rejected
// client receives close code 4401 instead of a bare HTTP error. Each
// accepted socket gets a read pump, which decodes frames and queues them
// on the connection's worker, and a write pump, which drains the outbound
// queue and sends pings. A read deadline renewed by pongs and inbound
// frames closes silent connections with 4408.
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is
// served there. The "secchat.inference" service tracks backend health.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (or :443 with tailnet certificates) and :50051 instead of
// the configured addresses.
package gateway
