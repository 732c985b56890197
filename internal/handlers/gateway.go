// internal/handlers/gateway.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/middleware"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Incoming event types.
const (
	EventRequestMatch         = "request-match"
	EventCancelMatch          = "cancel-match"
	EventReportInvalidSession = "report-invalid-session"
	EventCreateLobby          = "create-private-lobby"
	EventJoinLobby            = "join-private-lobby"
	EventLeaveLobby           = "leave-private-lobby"
	EventKickLobby            = "kick-private-lobby"
	EventStartLobby           = "start-private-lobby"
	EventUpdateLobbyConfig    = "update-private-lobby-config"
	EventGetQueueStatus       = "get-queue-status"
	EventPing                 = "ping"
)

// inbound is the union of every incoming event's fields.
type inbound struct {
	Type           string              `json:"type"`
	PlayerID       string              `json:"playerId"`
	PlayerName     string              `json:"playerName"`
	DeviceID       string              `json:"deviceId"`
	GameType       string              `json:"gameType"`
	Mode           int                 `json:"mode"`
	SessionID      string              `json:"sessionId"`
	LobbyID        string              `json:"lobbyId"`
	TargetPlayerID string              `json:"targetPlayerId"`
	Config         *models.LobbyConfig `json:"config"`
}

func (m inbound) player() models.Player {
	return models.Player{PlayerID: m.PlayerID, PlayerName: m.PlayerName, DeviceID: m.DeviceID}
}

// GatewayOptions tune the client transport.
type GatewayOptions struct {
	Tokens            *auth.PlayerTokens
	MessageRate       rate.Limit
	MessageBurst      int
	TrustProxyHeaders bool
	OriginPatterns    []string
}

// Gateway is the WebSocket endpoint clients send their events to.
type Gateway struct {
	hub         *Hub
	matchmaking *matchmaking.Service
	lobbies     *lobby.Manager
	registry    *session.Registry
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	opts        GatewayOptions
}

func NewGateway(hub *Hub, mm *matchmaking.Service, lobbies *lobby.Manager, registry *session.Registry, m *metrics.Metrics, log logrus.FieldLogger, opts GatewayOptions) *Gateway {
	if opts.MessageRate <= 0 {
		opts.MessageRate = rate.Inf
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 1
	}
	return &Gateway{
		hub:         hub,
		matchmaking: mm,
		lobbies:     lobbies,
		registry:    registry,
		metrics:     m,
		log:         log,
		opts:        opts,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.opts.OriginPatterns})
	if err != nil {
		g.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler finished")

	var tokenPlayer string
	if g.opts.Tokens.Enabled() {
		pid, err := g.opts.Tokens.Verify(playerToken(r))
		if err != nil {
			g.log.WithError(err).Debug("Rejected connection with invalid player token")
			conn.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		tokenPlayer = pid
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ip := ClientIP(r, g.opts.TrustProxyHeaders)
	c := newClient(uuid.NewString(), ip, cancel, g.log)
	c.tokenPlayer = tokenPlayer
	log := g.log.WithFields(logrus.Fields{"client_id": c.ID, "ip": ip})

	g.hub.register(c)
	if tokenPlayer != "" {
		g.bind(ctx, c, tokenPlayer)
	}
	g.metrics.ClientConnected()
	middleware.LogWebSocketConnect(log, r.URL.Path)

	go c.writePump(ctx, conn)
	err = g.readPump(ctx, conn, c)

	g.metrics.ClientDisconnected()
	g.disconnect(c)
	middleware.LogWebSocketDisconnect(log, r.URL.Path, err)

	if c.slow.Load() {
		conn.Close(SlowConsumerError, "client too slow")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readPump decodes and dispatches messages until the connection ends. Messages of one
// connection are handled in order.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, c *Client) error {
	limiter := rate.NewLimiter(g.opts.MessageRate, g.opts.MessageBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			c.WriteError("only text messages are accepted")
			continue
		}
		if !limiter.Allow() {
			c.WriteError("too many messages, slow down")
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.WriteError("invalid JSON format")
			continue
		}
		if err := g.identify(ctx, c, &msg); err != nil {
			if errors.Is(err, errPlayerMismatch) {
				conn.Close(PlayerMismatchError, err.Error())
				return err
			}
			c.WriteError(apperr.PublicMessage(err))
			continue
		}
		g.dispatch(ctx, c, msg)
	}
}

var errPlayerMismatch = errors.New("connection is bound to a different player")

// identify checks the message's player against the connection and binds an unbound
// connection to it.
func (g *Gateway) identify(ctx context.Context, c *Client, msg *inbound) error {
	switch msg.Type {
	case EventPing, EventGetQueueStatus:
		return nil
	}
	if msg.PlayerID == "" && c.tokenPlayer != "" {
		msg.PlayerID = c.tokenPlayer
	}
	if msg.PlayerID == "" {
		return apperr.Validation("playerId is required")
	}
	bound := c.PlayerID()
	if bound == "" {
		g.bind(ctx, c, msg.PlayerID)
		return nil
	}
	if bound != msg.PlayerID {
		return errPlayerMismatch
	}
	return nil
}

func (g *Gateway) bind(ctx context.Context, c *Client, playerID string) {
	g.hub.bind(c, playerID)
	if err := g.lobbies.SetConnected(ctx, playerID, true); err != nil {
		g.log.WithError(err).WithField("player_id", playerID).Warn("Failed to mark lobby member connected")
	}
}

// disconnect runs the cleanup for a closed connection. Only the player's last connection
// takes them out of the queue and marks them disconnected in their lobby.
func (g *Gateway) disconnect(c *Client) {
	if !g.hub.unregister(c) {
		return
	}
	ctx := context.Background()
	pid := c.PlayerID()
	if err := g.matchmaking.DropPlayer(ctx, pid); err != nil {
		g.log.WithError(err).WithField("player_id", pid).Warn("Failed to drop disconnected player from queue")
	}
	if err := g.lobbies.SetConnected(ctx, pid, false); err != nil {
		g.log.WithError(err).WithField("player_id", pid).Warn("Failed to mark lobby member disconnected")
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, msg inbound) {
	log := g.log.WithFields(logrus.Fields{"client_id": c.ID, "player_id": msg.PlayerID, "event": msg.Type})
	log.Debug("Client event")

	var err error
	lobbyEvent := strings.HasSuffix(msg.Type, "-private-lobby") || msg.Type == EventUpdateLobbyConfig

	switch msg.Type {
	case EventRequestMatch:
		_, err = g.matchmaking.RequestMatch(ctx, matchmaking.MatchRequest{
			Player:   msg.player(),
			IP:       c.IP,
			GameType: msg.GameType,
			Mode:     msg.Mode,
		})
	case EventCancelMatch:
		err = g.matchmaking.CancelMatch(ctx, msg.player(), c.IP)
	case EventReportInvalidSession:
		err = g.registry.ReportInvalid(ctx, msg.PlayerID, msg.SessionID)
	case EventCreateLobby:
		var cfg models.LobbyConfig
		if msg.Config != nil {
			cfg = *msg.Config
		}
		_, err = g.lobbies.Create(ctx, lobby.CreateRequest{Player: msg.player(), IP: c.IP, GameType: msg.GameType, Config: cfg})
	case EventJoinLobby:
		_, err = g.lobbies.Join(ctx, lobby.JoinRequest{LobbyID: msg.LobbyID, Player: msg.player(), IP: c.IP, Config: msg.Config})
	case EventLeaveLobby:
		_, err = g.lobbies.Leave(ctx, msg.LobbyID, msg.PlayerID)
	case EventKickLobby:
		_, err = g.lobbies.Kick(ctx, msg.LobbyID, msg.PlayerID, msg.TargetPlayerID)
	case EventStartLobby:
		_, err = g.lobbies.Start(ctx, msg.LobbyID, msg.PlayerID)
	case EventUpdateLobbyConfig:
		if msg.Config == nil {
			err = apperr.Validation("config is required")
			break
		}
		_, err = g.lobbies.UpdateConfig(ctx, msg.LobbyID, msg.PlayerID, *msg.Config)
	case EventGetQueueStatus:
		var st models.QueueStatus
		if st, err = g.matchmaking.Status(ctx); err == nil {
			c.Write(events.QueueStatus(st))
		}
	case EventPing:
		c.Write(events.Pong())
	default:
		c.WriteError("unknown event type " + msg.Type)
		return
	}
	if err == nil {
		return
	}

	if apperr.KindOf(err) == apperr.KindInternal {
		log.WithError(err).Error("Client event failed")
	} else {
		log.WithError(err).Debug("Client event rejected")
	}
	if lobbyEvent {
		c.Write(events.LobbyError(msg.LobbyID, apperr.PublicMessage(err)))
		return
	}
	var until time.Time
	if ae, ok := apperr.As(err); ok {
		until = ae.CooldownUntil
	}
	c.Write(events.MatchError(apperr.PublicMessage(err), until))
}

// ClientIP returns the address rate limits are keyed on. Forwarding headers are only honoured
// behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// playerToken extracts a player token from the Authorization header, the token query
// parameter, or the auth_token cookie, in that order.
func playerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if ck, err := r.Cookie("auth_token"); err == nil {
		return ck.Value
	}
	return ""
}
