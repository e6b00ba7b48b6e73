// ABOUTME: HTTP routes: WebSocket endpoint, REST read API and health checks
// ABOUTME: REST routes require a bearer token; sessions are visible to their owner only

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// sessionResponse is the REST view of a session.
type sessionResponse struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Active         bool       `json:"active"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// messageResponse is the REST view of a stored message.
type messageResponse struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// statsResponse is the admin-only snapshot served by GET /api/stats.
type statsResponse struct {
	Connections    int            `json:"connections"`
	BoundSessions  int            `json:"bound_sessions"`
	Users          int            `json:"users"`
	TotalSessions  int64          `json:"total_sessions"`
	ActiveSessions int64          `json:"active_sessions"`
	TotalMessages  int64          `json:"total_messages"`
	IndexDocuments int            `json:"index_documents"`
	Inference      inferenceStats `json:"inference"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

type inferenceStats struct {
	Healthy   bool   `json:"healthy"`
	Requests  int64  `json:"requests"`
	Attempts  int64  `json:"attempts"`
	Retries   int64  `json:"retries"`
	Failures  int64  `json:"failures"`
	Degraded  int64  `json:"degraded"`
	LastError string `json:"last_error,omitempty"`
}

func (g *Gateway) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			g.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET("/health", g.handleHealth)
	e.GET("/health/ready", g.handleReady)
	e.GET("/ws", g.handleWebSocket)

	api := e.Group("/api", auth.Middleware(g.verifier))
	api.GET("/sessions", g.handleListSessions)
	api.GET("/sessions/:id/messages", g.handleListMessages)
	api.GET("/stats", g.handleStats, requireRole(auth.RoleAdmin))
	return e
}

// requireRole rejects identities below min with 403.
func requireRole(min auth.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := auth.FromContext(c.Request().Context())
			if id == nil || !id.Role.AtLeast(min) {
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}
			return next(c)
		}
	}
}

// handleHealth returns 200 OK if the process is serving.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleReady returns 503 while the inference backend is marked unhealthy.
func (g *Gateway) handleReady(c echo.Context) error {
	if !g.inference.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"reason": "inference backend unavailable",
		})
	}
	docs := 0
	if g.index != nil {
		docs = g.index.Count()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ready",
		"index_documents": docs,
	})
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}

func (g *Gateway) handleListSessions(c echo.Context) error {
	id := auth.FromContext(c.Request().Context())
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	sessions, err := g.store.ListSessions(c.Request().Context(), id.UserID, limit)
	if err != nil {
		g.logger.Error("listing sessions", "user_id", id.UserID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:             s.ID,
			Title:          s.Title,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			Active:         s.Active,
			EndedAt:        s.EndedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (g *Gateway) handleListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := auth.FromContext(ctx)
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	sess, err := g.store.GetSession(ctx, c.Param("id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if sess.UserID != id.UserID {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	msgs, err := g.store.GetRecentMessages(ctx, sess.ID, limit)
	if err != nil {
		g.logger.Error("loading messages", "session_id", sess.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load messages")
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Seq:       m.Seq,
			Role:      string(m.Role),
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": sess.ID, "messages": out})
}

func (g *Gateway) handleStats(c echo.Context) error {
	st, err := g.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load stats")
	}
	counts := g.conns.Counts()
	inf := g.inference.Stats()
	resp := statsResponse{
		Connections:    counts.Connections,
		BoundSessions:  counts.BoundSessions,
		Users:          counts.Users,
		TotalSessions:  st.TotalSessions,
		ActiveSessions: st.ActiveSessions,
		TotalMessages:  st.TotalMessages,
		Inference: inferenceStats{
			Healthy:   inf.Healthy,
			Requests:  inf.Requests,
			Attempts:  inf.Attempts,
			Retries:   inf.Retries,
			Failures:  inf.Failures,
			Degraded:  inf.Degraded,
			LastError: inf.LastError,
		},
		UptimeSeconds: g.clock.Now().Sub(g.started).Seconds(),
	}
	if g.index != nil {
		resp.IndexDocuments = g.index.Count()
	}
	return c.JSON(http.StatusOK, resp)
}
