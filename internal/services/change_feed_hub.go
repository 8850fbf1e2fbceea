package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FeedMessage is one message on the change feed socket.
type FeedMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Message types
const (
	FeedTypeCollectionChanged = "collection_changed"
	FeedTypeSubscribe         = "subscribe"
	FeedTypeUnsubscribe       = "unsubscribe"
	FeedTypePing              = "ping"
	FeedTypePong              = "pong"
)

// CollectionChangedPayload announces committed pushes so connected clients
// can pull eagerly instead of waiting out their poll interval.
type CollectionChangedPayload struct {
	Collection string `json:"collection"`
	Written    int    `json:"written"`
}

// ChangeTopic names the feed topic for one user's collection.
func ChangeTopic(userID, collection string) string {
	return "changes:" + userID + ":" + collection
}

// FeedClient is one connected change feed subscriber.
type FeedClient struct {
	ID         string
	UserID     string
	Topics     map[string]bool
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *ChangeFeedHub
	mu         sync.Mutex
	closedOnce sync.Once
}

// ChangeFeedHub fans committed push notifications out to connected clients.
// Collections replicate independently, so each topic is scoped to one
// (user, collection) pair.
type ChangeFeedHub struct {
	clients    map[*FeedClient]bool
	topics     map[string]map[*FeedClient]bool
	register   chan *FeedClient
	unregister chan *FeedClient
	broadcast  chan *feedBroadcast
	mu         sync.RWMutex
}

type feedBroadcast struct {
	topic   string
	message []byte
}

// NewChangeFeedHub creates a new hub
func NewChangeFeedHub() *ChangeFeedHub {
	return &ChangeFeedHub{
		clients:    make(map[*FeedClient]bool),
		topics:     make(map[string]map[*FeedClient]bool),
		register:   make(chan *FeedClient),
		unregister: make(chan *FeedClient),
		broadcast:  make(chan *feedBroadcast, 256),
	}
}

// Run starts the hub's main loop
func (h *ChangeFeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("Change feed client connected: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for topic := range client.Topics {
					if topicClients, ok := h.topics[topic]; ok {
						delete(topicClients, client)
						if len(topicClients) == 0 {
							delete(h.topics, topic)
						}
					}
				}
				close(client.Send)
			}
			h.mu.Unlock()
			log.Printf("Change feed client disconnected: %s", client.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.topics[msg.topic] {
				select {
				case client.Send <- msg.message:
				default:
					// Client buffer full, close connection
					go func(c *FeedClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub
func (h *ChangeFeedHub) Register(client *FeedClient) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *ChangeFeedHub) Unregister(client *FeedClient) {
	h.unregister <- client
}

// Subscribe adds a client to a topic. Clients may only watch their own
// partitions; the handler enforces that before calling.
func (h *ChangeFeedHub) Subscribe(client *FeedClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.Topics[topic] = true
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*FeedClient]bool)
	}
	h.topics[topic][client] = true
}

// Unsubscribe removes a client from a topic
func (h *ChangeFeedHub) Unsubscribe(client *FeedClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.Topics, topic)
	if topicClients, ok := h.topics[topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.topics, topic)
		}
	}
}

// NotifyCollectionChanged announces a committed push on a user's collection.
func (h *ChangeFeedHub) NotifyCollectionChanged(userID, collection string, written int) {
	if written == 0 {
		return
	}
	data, err := json.Marshal(FeedMessage{
		Type:    FeedTypeCollectionChanged,
		Payload: CollectionChangedPayload{Collection: collection, Written: written},
	})
	if err != nil {
		log.Printf("Error marshaling change feed message: %v", err)
		return
	}

	h.broadcast <- &feedBroadcast{
		topic:   ChangeTopic(userID, collection),
		message: data,
	}
}

// ClientCount returns the number of connected clients
func (h *ChangeFeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client bound to this hub
func (h *ChangeFeedHub) NewClient(id, userID string, conn *websocket.Conn) *FeedClient {
	return &FeedClient{
		ID:     id,
		UserID: userID,
		Topics: make(map[string]bool),
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
	}
}

// Close closes the client connection
func (c *FeedClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (c *FeedClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.mu.Lock()
			err := c.Conn.WriteMessage(websocket.TextMessage, message)
			c.mu.Unlock()

			if err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump pumps messages from the websocket connection to the hub
func (c *FeedClient) ReadPump(onMessage func(client *FeedClient, messageType int, data []byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Change feed error: %v", err)
			}
			break
		}

		if onMessage != nil {
			onMessage(c, messageType, message)
		}
	}
}
