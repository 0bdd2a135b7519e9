package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/aeolun/roomchat/pkg/database"
)

// HTTPServer is the Echo application serving health, metrics, the
// WebSocket transport and the admin API
type HTTPServer struct {
	server *Server
	echo   *echo.Echo
}

// NewHTTPServer constructs the Echo app for s
func NewHTTPServer(s *Server) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	h := &HTTPServer{server: s, echo: e}
	h.registerRoutes()
	return h
}

// Echo exposes the underlying Echo instance for tests
func (h *HTTPServer) Echo() *echo.Echo {
	return h.echo
}

func (h *HTTPServer) registerRoutes() {
	h.echo.GET("/health", h.handleHealth)
	h.echo.GET("/metrics", echo.WrapHandler(h.server.metrics.Handler()))
	h.echo.GET("/ws", h.server.HandleWebSocket)
	h.echo.GET("/api/rooms", h.handleRooms)
	h.echo.GET("/api/sessions", h.handleSessions)
	h.echo.DELETE("/api/users/:username", h.handleDisconnectUser)
}

// Start listens on addr and serves in the background
func (h *HTTPServer) Start(addr string) error {
	listener, err := listenTCP(addr)
	if err != nil {
		return err
	}
	h.echo.Listener = listener

	go func() {
		if err := h.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("HTTP server listening on %s", listener.Addr())
	return nil
}

// Addr returns the listener address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.echo.Listener == nil {
		return nil
	}
	return h.echo.Listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Upgraded WebSocket connections are closed by the chat server itself.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
	Rooms  int    `json:"rooms"`
}

func (h *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Users:  h.server.registry.Count(),
		Rooms:  h.server.registry.RoomCount(),
	})
}

func (h *HTTPServer) handleRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, h.server.registry.Snapshot())
}

// sessionView is a live session as reported by /api/sessions
type sessionView struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	ActiveRoom  string    `json:"active_room"`
	Rooms       []string  `json:"rooms"`
}

type sessionsResponse struct {
	Online []sessionView             `json:"online"`
	Recent []database.SessionRecord `json:"recent,omitempty"`
}

func (h *HTTPServer) handleSessions(c echo.Context) error {
	registry := h.server.registry

	online := make([]sessionView, 0, registry.Count())
	for _, sess := range registry.Sessions() {
		username := sess.Username()
		active, _ := registry.ActiveRoom(username)
		rooms := registry.RoomsOf(username)
		if rooms == nil {
			rooms = []string{}
		}
		online = append(online, sessionView{
			ID:          sess.ID,
			Username:    username,
			Transport:   sess.Transport,
			RemoteAddr:  sess.RemoteAddr,
			ConnectedAt: sess.ConnectedAt,
			ActiveRoom:  active,
			Rooms:       rooms,
		})
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Username < online[j].Username })

	resp := sessionsResponse{Online: online}
	if store := h.server.store; store != nil {
		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
			}
			limit = n
		}
		recent, err := store.RecentSessions(limit)
		if err != nil {
			errorLog.Printf("Failed to load session history: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session history")
		}
		resp.Recent = recent
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *HTTPServer) handleDisconnectUser(c echo.Context) error {
	username := c.Param("username")
	if err := h.server.Disconnect(username); err != nil {
		var routeErr *RoutingError
		if errors.As(err, &routeErr) {
			return echo.NewHTTPError(http.StatusNotFound, routeErr.Message)
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
