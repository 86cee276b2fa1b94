package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Envelope is the wire format for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client wraps one player connection. Writes are guarded by the client's
// mutex and a write deadline so a stalled peer cannot block a broadcast.
type Client struct {
	UserID      string
	DisplayName string

	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) writeMessage(data []byte) error {
	if c == nil || c.conn == nil {
		return errors.New("client closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send marshals an event envelope and writes it to this client.
func (c *Client) Send(event string, data any) error {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		return err
	}
	return c.writeMessage(payload)
}

// ReadEnvelope blocks until the next inbound event arrives.
func (c *Client) ReadEnvelope() (*Envelope, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return &env, nil
}

// Hub tracks connected clients and their room memberships. One client per
// identity; a reconnect displaces the previous connection.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Register associates a connection with an identity, closing any connection
// the identity already held.
func (h *Hub) Register(userID, displayName string, conn *websocket.Conn) *Client {
	client := &Client{UserID: userID, DisplayName: displayName, conn: conn}

	h.mu.Lock()
	if existing, ok := h.clients[userID]; ok {
		existing.conn.Close()
	}
	h.clients[userID] = client
	h.mu.Unlock()

	return client
}

// Unregister drops the client from every room and closes the connection.
// A newer connection for the same identity is left alone.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.UserID]; ok && current == client {
		delete(h.clients, client.UserID)
	}
	for room, members := range h.rooms {
		if members[client.UserID] == client {
			delete(members, client.UserID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	client.conn.Close()
}

func (h *Hub) JoinRoom(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[client.UserID] = client
}

func (h *Hub) LeaveRoom(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	if members[client.UserID] == client {
		delete(members, client.UserID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Client returns the live connection for an identity, if any.
func (h *Hub) Client(userID string) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[userID]
	return client, ok
}

// SendTo delivers an event to one identity if it is connected.
func (h *Hub) SendTo(userID, event string, data any) error {
	h.mu.Lock()
	client, ok := h.clients[userID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for %s", userID)
	}
	return client.Send(event, data)
}

// Broadcast delivers an event to every member of a room. exclude may be empty.
// Failed writes are logged and skipped so one bad peer does not stop the fanout.
func (h *Hub) Broadcast(room, exclude, event string, data any) {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		log.Printf("[WS] Failed to encode %s broadcast: %v", event, err)
		return
	}

	h.mu.Lock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for userID, client := range h.rooms[room] {
		if userID == exclude {
			continue
		}
		members = append(members, client)
	}
	h.mu.Unlock()

	for _, client := range members {
		if err := client.writeMessage(payload); err != nil {
			log.Printf("[WS] Failed to send %s to %s: %v", event, client.UserID, err)
		}
	}
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
