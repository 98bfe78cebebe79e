package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Client to server events. Data carries the ID as a JSON string; for
// leave-room it carries the room name.
const (
	EventJoinPatient      = "join-patient-alerts"
	EventJoinFacility     = "join-facility-alerts"
	EventJoinOrganization = "join-organization-alerts"
	EventJoinClinicalTeam = "join-clinical-team"
	EventLeaveRoom        = "leave-room"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// RoomAuthorizer reports whether the caller behind ctx may join room. ctx
// carries the values of the upgrade request, including its auth claims.
type RoomAuthorizer func(ctx context.Context, room string) bool

// HandlerConfig restricts who may connect and what they may subscribe to.
// An empty AllowedOrigins list accepts only requests without an Origin
// header or from the server's own host; "*" accepts any origin. A nil
// Authorize allows every join.
type HandlerConfig struct {
	AllowedOrigins []string
	Authorize      RoomAuthorizer
}

// Handler upgrades HTTP requests to alert subscriptions.
type Handler struct {
	hub       *Hub
	logger    zerolog.Logger
	authorize RoomAuthorizer
	upgrader  gorillawebsocket.Upgrader
}

func NewHandler(hub *Hub, logger zerolog.Logger, cfg HandlerConfig) *Handler {
	h := &Handler{hub: hub, logger: logger, authorize: cfg.Authorize}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		origin = strings.TrimSuffix(strings.ToLower(origin), "/")
		if set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// the read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())

	client := NewClient(uuid.New().String(), sendBuffer)
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(ctx, client, ws)
	return nil
}

func (h *Handler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(client, EventError, map[string]string{"error": "malformed message"})
			continue
		}
		h.Process(ctx, client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Process applies one client message to the hub. Joins refused by the
// RoomAuthorizer answer with an error event.
func (h *Handler) Process(ctx context.Context, client *Client, msg Message) {
	var arg string
	if err := json.Unmarshal(msg.Data, &arg); err != nil || arg == "" {
		h.reply(client, EventError, map[string]string{"error": "data must be a non-empty string", "event": msg.Event})
		return
	}

	var room string
	switch msg.Event {
	case EventJoinPatient:
		room = PatientRoom(arg)
	case EventJoinFacility:
		room = FacilityRoom(arg)
	case EventJoinOrganization:
		room = OrganizationRoom(arg)
	case EventJoinClinicalTeam:
		room = ClinicalTeamRoom(arg)
	case EventLeaveRoom:
		h.hub.Leave(client, arg)
		h.reply(client, EventLeft, map[string]string{"room": arg})
		return
	default:
		h.reply(client, EventError, map[string]string{"error": "unknown event", "event": msg.Event})
		return
	}

	if h.authorize != nil && !h.authorize(ctx, room) {
		h.logger.Warn().Str("client", client.ID).Str("event", msg.Event).Msg("room join refused")
		h.reply(client, EventError, map[string]string{"error": "not authorized for room", "event": msg.Event})
		return
	}
	if err := h.hub.Join(client, room); err != nil {
		h.logger.Debug().Err(err).Str("client", client.ID).Msg("join failed")
		return
	}
	h.reply(client, EventJoined, map[string]string{"room": room})
}

func (h *Handler) reply(client *Client, event string, payload interface{}) {
	data, err := Encode(event, payload)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
