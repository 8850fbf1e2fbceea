package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/studyplan/server/internal/middleware"
	"github.com/studyplan/server/internal/models"
	"github.com/studyplan/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now - can be restricted in production
		return true
	},
}

// ChangeFeedHandler upgrades connections onto the change feed socket.
type ChangeFeedHandler struct {
	hub *services.ChangeFeedHub
}

// NewChangeFeedHandler creates a new ChangeFeedHandler
func NewChangeFeedHandler(hub *services.ChangeFeedHub) *ChangeFeedHandler {
	return &ChangeFeedHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection.
// Clients subscribe to per-collection topics and get notified when a push
// commits, so they can pull right away instead of waiting out the poll timer.
func (h *ChangeFeedHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	client := h.hub.NewClient(clientID, principal.UserID, conn)

	h.hub.Register(client)

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump(h.handleMessage)
}

// handleMessage processes incoming WebSocket messages
func (h *ChangeFeedHandler) handleMessage(client *services.FeedClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Invalid WebSocket message: %v", err)
		return
	}

	switch msg.Type {
	case services.FeedTypeSubscribe:
		if collection, ok := h.collectionFromPayload(msg.Payload); ok {
			// Clients only ever see their own partition of a collection.
			h.hub.Subscribe(client, services.ChangeTopic(client.UserID, collection))
		}

	case services.FeedTypeUnsubscribe:
		if collection, ok := h.collectionFromPayload(msg.Payload); ok {
			h.hub.Unsubscribe(client, services.ChangeTopic(client.UserID, collection))
		}

	case services.FeedTypePing:
		// Respond with pong
		response := services.FeedMessage{
			Type:    services.FeedTypePong,
			Payload: nil,
		}
		if data, err := json.Marshal(response); err == nil {
			client.Send <- data
		}

	default:
		log.Printf("Unknown WebSocket message type: %s", msg.Type)
	}
}

// collectionFromPayload extracts a registered collection name from a
// subscribe/unsubscribe payload, either a bare string or {"collection": ...}.
func (h *ChangeFeedHandler) collectionFromPayload(payload any) (string, bool) {
	name, ok := payload.(string)
	if !ok {
		if m, isMap := payload.(map[string]interface{}); isMap {
			name, ok = m["collection"].(string)
		}
	}
	if !ok {
		return "", false
	}
	if _, registered := models.CollectionByName(name); !registered {
		log.Printf("Change feed subscribe for unknown collection: %s", name)
		return "", false
	}
	return name, true
}
