package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/battleforge/backend/internal/middleware"
	"github.com/battleforge/backend/internal/services"
	"github.com/battleforge/backend/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS policy is enforced at the router; the handshake accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type GameHandler struct {
	hub         *ws.Hub
	matchmaking *services.MatchmakingService
	gameState   *services.GameStateService
	chat        *services.ChatService
	validator   *services.ValidationHelper
}

func NewGameHandler(hub *ws.Hub, matchmaking *services.MatchmakingService, gameState *services.GameStateService, chat *services.ChatService) *GameHandler {
	return &GameHandler{
		hub:         hub,
		matchmaking: matchmaking,
		gameState:   gameState,
		chat:        chat,
		validator:   services.NewValidationHelper(),
	}
}

// GetHistory lists the caller's finalized sessions
// @Summary Get game history
// @Description List finalized game sessions the authenticated player took part in, newest first
// @Tags Game
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.GameSession
// @Failure 401 {object} services.ErrorResponse
// @Router /game/history [get]
func (h *GameHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessions, err := h.gameState.History(r.Context(), identity.UserID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// HandleWS upgrades the connection and serves the player's event loop until
// the peer disconnects.
func (h *GameHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for %s: %v", identity.UserID, err)
		return
	}

	client := h.hub.Register(identity.UserID, identity.DisplayName, conn)
	log.Printf("[WS] %s connected", identity.UserID)

	// Events are dispatched for as long as the socket lives, so their
	// context must follow the connection, not the upgrade request: the
	// request context is subject to router deadlines.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		// Best effort: a dropped player should not linger in the queue. A
		// connection displaced by a reconnect leaves cleanup to its
		// successor, otherwise it would race the fresh queue entry.
		if current, ok := h.hub.Client(identity.UserID); !ok || current == client {
			if err := h.matchmaking.Cancel(context.Background(), identity.UserID); err != nil {
				log.Printf("[WS] Queue cleanup for %s failed: %v", identity.UserID, err)
			}
		}
		h.hub.Unregister(client)
		log.Printf("[WS] %s disconnected", identity.UserID)
	}()

	for {
		env, err := client.ReadEnvelope()
		if err != nil {
			return
		}
		h.dispatch(ctx, client, env)
	}
}

func (h *GameHandler) dispatch(ctx context.Context, client *ws.Client, env *ws.Envelope) {
	switch env.Event {
	case ws.EventFindMatch:
		h.handleFindMatch(ctx, client, env.Data)
	case ws.EventCancelMatch:
		h.handleCancelMatch(ctx, client)
	case ws.EventGameAction:
		h.handleGameAction(ctx, client, env.Data)
	case ws.EventJoinChannel:
		h.handleJoinChannel(ctx, client, env.Data)
	case ws.EventSendMessage:
		h.handleSendMessage(ctx, client, env.Data)
	default:
		client.Send(ws.EventGameError, map[string]string{"message": "unknown event"})
	}
}

func (h *GameHandler) handleFindMatch(ctx context.Context, client *ws.Client, data json.RawMessage) {
	var req struct {
		Skill  int    `json:"skill" validate:"gte=0"`
		Region string `json:"region" validate:"required"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send(ws.EventMatchmakingError, map[string]string{"message": "invalid findMatch payload"})
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		client.Send(ws.EventMatchmakingError, map[string]string{"message": "invalid findMatch payload"})
		return
	}

	if err := h.matchmaking.Enqueue(ctx, client.UserID, req.Skill, req.Region); err != nil {
		client.Send(ws.EventMatchmakingError, map[string]string{"message": "matchmaking unavailable"})
		return
	}

	opponentID, err := h.matchmaking.DequeueAndMatch(ctx, client.UserID, req.Skill, req.Region)
	if err != nil {
		client.Send(ws.EventMatchmakingError, map[string]string{"message": "matchmaking unavailable"})
		return
	}
	if opponentID == "" {
		// Stay queued; a later player's scan will pair us.
		return
	}

	roomID := uuid.New().String()
	h.hub.JoinRoom(roomID, client)
	if opponent, ok := h.hub.Client(opponentID); ok {
		h.hub.JoinRoom(roomID, opponent)
	}

	client.Send(ws.EventMatchFound, map[string]string{"roomId": roomID, "opponentId": opponentID})
	if err := h.hub.SendTo(opponentID, ws.EventMatchFound, map[string]string{"roomId": roomID, "opponentId": client.UserID}); err != nil {
		log.Printf("[MATCHMAKING] Failed to notify %s of match %s: %v", opponentID, roomID, err)
	}
	log.Printf("[MATCHMAKING] Matched %s with %s in room %s", client.UserID, opponentID, roomID)
}

func (h *GameHandler) handleCancelMatch(ctx context.Context, client *ws.Client) {
	if err := h.matchmaking.Cancel(ctx, client.UserID); err != nil {
		client.Send(ws.EventMatchmakingError, map[string]string{"message": "matchmaking unavailable"})
		return
	}
	client.Send(ws.EventMatchCancelled, map[string]string{"userId": client.UserID})
}

func (h *GameHandler) handleGameAction(ctx context.Context, client *ws.Client, data json.RawMessage) {
	var req struct {
		RoomID    string          `json:"roomId" validate:"required"`
		Type      string          `json:"type" validate:"required"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send(ws.EventGameError, map[string]string{"message": "invalid gameAction payload"})
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		client.Send(ws.EventGameError, map[string]string{"message": "invalid gameAction payload"})
		return
	}

	action := services.PlayerAction{
		UserID:    client.UserID,
		Type:      req.Type,
		Timestamp: req.Timestamp,
		Data:      req.Data,
	}

	snapshot, err := h.gameState.ApplyAction(ctx, req.RoomID, action)
	if err != nil {
		client.Send(ws.EventGameError, map[string]string{"message": "action rejected"})
		return
	}

	h.hub.Broadcast(req.RoomID, client.UserID, ws.EventGameStateUpdate, snapshot)
}

func (h *GameHandler) handleJoinChannel(ctx context.Context, client *ws.Client, data json.RawMessage) {
	var req struct {
		Channel string `json:"channel" validate:"required"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "invalid joinChannel payload"})
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "invalid joinChannel payload"})
		return
	}

	h.hub.JoinRoom(chatRoom(req.Channel), client)

	history, err := h.chat.History(ctx, req.Channel)
	if err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "chat unavailable"})
		return
	}
	client.Send(ws.EventChatHistory, map[string]any{"channel": req.Channel, "messages": history})
}

func (h *GameHandler) handleSendMessage(ctx context.Context, client *ws.Client, data json.RawMessage) {
	var req struct {
		Channel string `json:"channel" validate:"required"`
		Content string `json:"content" validate:"required"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "invalid sendMessage payload"})
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "invalid sendMessage payload"})
		return
	}

	msg, err := h.chat.SendMessage(ctx, req.Channel, client.UserID, client.DisplayName, req.Content)
	if err != nil {
		client.Send(ws.EventChatError, map[string]string{"message": "message rejected"})
		return
	}

	h.hub.Broadcast(chatRoom(req.Channel), "", ws.EventNewMessage, msg)
}

// chatRoom namespaces chat channels away from game room ids in the hub.
func chatRoom(channel string) string {
	return "chat:" + channel
}
