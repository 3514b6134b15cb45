package delivery

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/auth"
	"github.com/chartwise/insight-stream/internal/stream/registry"
)

// Handler upgrades authenticated clients onto the delivery channel.
type Handler struct {
	verifier *auth.TokenVerifier
	registry *registry.Registry
	manager  *Manager
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(verifier *auth.TokenVerifier, reg *registry.Registry, manager *Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		registry: reg,
		manager:  manager,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. Clients authenticate with a bearer token (header
// or, for browsers, a token query parameter) and may present the last
// sequence they acknowledged as a cursor.
func (h *Handler) Serve(c echo.Context) error {
	token := c.Request().Header.Get("Authorization")
	if token == "" {
		token = c.QueryParam("token")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	var cursor uint64
	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	connectionID := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := h.registry.Register(ctx, connectionID, claims.Subject, claims.TenantID, cursor)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("subscriber registration failed")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authorization unavailable"),
			time.Now().Add(time.Second))
		ws.Close()
		return nil
	}

	h.manager.Attach(ws, sub, func() {
		h.registry.Deregister(connectionID)
	})
	return nil
}
