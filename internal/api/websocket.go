package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
	"github.com/SimplyPrint/eid-notes/internal/settings"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`    // Error class, same values as the HTTP API
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *WSHub
	mu          sync.Mutex
	closed      bool
	polls       map[int]*presencePoll // Readers polled for card presence
	lastPresent map[int]bool          // Last reported presence per reader
}

// presencePoll is one running card presence subscription.
type presencePoll struct {
	ticker *time.Ticker
	stop   chan struct{}
}

func (p *presencePoll) halt() {
	p.ticker.Stop()
	close(p.stop)
}

func newWSClient(conn *websocket.Conn, hub *WSHub) *WSClient {
	return &WSClient{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         hub,
		polls:       make(map[int]*presencePoll),
		lastPresent: make(map[int]bool),
	}
}

// queue hands a message to the write pump. Messages for a closed or
// congested client are dropped.
func (c *WSClient) queue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// close stops polling and ends the write pump. Safe to call more than once.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index, poll := range c.polls {
		poll.halt()
		delete(c.polls, index)
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.queue(message) {
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Global hub instance
var wsHub *WSHub

// broadcastEvent sends an event to every connected client without blocking
// the caller on the hub.
func broadcastEvent(msgType string, payload interface{}) {
	hub := wsHub
	if hub == nil {
		return
	}
	payloadBytes, _ := json.Marshal(payload)
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	go func() {
		defer logging.RecoverAndLog("WebSocket broadcast", false)
		hub.broadcast <- message
	}()
}

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		client := newWSClient(conn, wsHub)

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"client":     client.id,
			"remoteAddr": r.RemoteAddr,
		})

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024) // Notes are at most 1000 bytes
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{
					"client": c.id,
				})
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "read_notes":
		c.handleReadNotes(msg.ID, msg.Payload)
	case "write_notes":
		c.handleWriteNotes(msg.ID, msg.Payload)
	case "list_pins":
		c.handleListPins(msg.ID, msg.Payload)
	case "verify_pin":
		c.handleVerifyPin(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

// sendCardError reports a card error with its class. Extra fields of the
// classification (tries left) travel in the payload.
func (c *WSClient) sendCardError(id string, err error) {
	_, body := classifyError(err)
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: err.Error(),
		Code:  body["code"].(string),
	}
	if tries, ok := body["triesLeft"]; ok {
		response.Payload, _ = json.Marshal(map[string]any{"triesLeft": tries})
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

// readerRequest is the payload of every per-reader message.
type readerRequest struct {
	ReaderIndex int `json:"readerIndex"`
	IntervalMs  int `json:"intervalMs"` // subscribe only
}

func (c *WSClient) parseReader(id string, payload json.RawMessage) (readerRequest, bool) {
	var req readerRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendError(id, "invalid payload")
			return req, false
		}
	}
	if req.ReaderIndex < 0 {
		c.sendError(id, "reader index out of range")
		return req, false
	}
	return req, true
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := cardService.ListReaders()
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "readers", readers)
}

func (c *WSClient) handleReadNotes(id string, payload json.RawMessage) {
	req, ok := c.parseReader(id, payload)
	if !ok {
		return
	}

	name, notes, err := cardService.ReadNotes(strconv.Itoa(req.ReaderIndex))
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "notes", newNotesResponse(name, notes))
}

func (c *WSClient) handleWriteNotes(id string, payload json.RawMessage) {
	var req writeNotesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if req.ReaderIndex < 0 {
		c.sendError(id, "reader index out of range")
		return
	}

	notes, ref, err := req.payload()
	if err != nil {
		c.sendCardError(id, err)
		return
	}

	if err := cardService.WriteNotes(strconv.Itoa(req.ReaderIndex), notes, ref, req.Pin); err != nil {
		c.sendCardError(id, err)
		return
	}

	c.sendResponse(id, "write_success", map[string]any{
		"success": "notes written",
		"length":  notes.Len(),
	})
	broadcastEvent("notes_written", map[string]any{
		"readerIndex": req.ReaderIndex,
		"length":      notes.Len(),
	})
}

func (c *WSClient) handleListPins(id string, payload json.RawMessage) {
	req, ok := c.parseReader(id, payload)
	if !ok {
		return
	}

	pins, err := cardService.Pins(strconv.Itoa(req.ReaderIndex))
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "pins", map[string]any{
		"readerIndex": req.ReaderIndex,
		"pins":        pins,
	})
}

func (c *WSClient) handleVerifyPin(id string, payload json.RawMessage) {
	var req verifyPinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if req.ReaderIndex < 0 {
		c.sendError(id, "reader index out of range")
		return
	}

	ref := settings.DefaultPin()
	if req.PinRef != "" {
		parsed, err := eid.ParsePinRef(req.PinRef)
		if err != nil {
			c.sendCardError(id, err)
			return
		}
		ref = parsed
	}
	if err := req.validate(); err != nil {
		c.sendCardError(id, err)
		return
	}

	tries, err := cardService.VerifyPin(strconv.Itoa(req.ReaderIndex), ref, req.Pin)
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "pin_verified", map[string]any{
		"readerIndex": req.ReaderIndex,
		"pin":         ref.String(),
		"triesLeft":   tries,
	})
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	req, ok := c.parseReader(id, payload)
	if !ok {
		return
	}

	reader := strconv.Itoa(req.ReaderIndex)
	if _, err := cardService.CardPresent(reader); err != nil {
		c.sendCardError(id, err)
		return
	}

	if req.IntervalMs < 100 {
		req.IntervalMs = 500 // Default 500ms
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Stop existing poll if any
	if poll, ok := c.polls[req.ReaderIndex]; ok {
		poll.halt()
	}

	delete(c.lastPresent, req.ReaderIndex)
	poll := &presencePoll{
		ticker: time.NewTicker(time.Duration(req.IntervalMs) * time.Millisecond),
		stop:   make(chan struct{}),
	}
	c.polls[req.ReaderIndex] = poll
	c.mu.Unlock()

	go c.pollPresence(req.ReaderIndex, poll)

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"client":      c.id,
		"readerIndex": req.ReaderIndex,
		"intervalMs":  req.IntervalMs,
	})
	c.sendResponse(id, "subscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
		"intervalMs":  req.IntervalMs,
	})
}

// pollPresence emits a card_status event whenever the presence of a card in
// the reader changes, starting with the current state.
func (c *WSClient) pollPresence(index int, poll *presencePoll) {
	defer logging.RecoverAndLog("WebSocket poll goroutine", false)

	reader := strconv.Itoa(index)
	for {
		select {
		case <-poll.stop:
			return
		case <-poll.ticker.C:
		}

		present, err := cardService.CardPresent(reader)
		if err != nil {
			// Reader gone; report as empty
			present = false
		}

		c.mu.Lock()
		last, seen := c.lastPresent[index]
		if seen && last == present {
			c.mu.Unlock()
			continue
		}
		c.lastPresent[index] = present
		c.mu.Unlock()

		if present {
			logging.Info(logging.CatCard, "Card inserted", map[string]any{"readerIndex": index})
		} else if seen {
			logging.Info(logging.CatCard, "Card removed", map[string]any{"readerIndex": index})
		}
		c.sendResponse("", "card_status", map[string]interface{}{
			"readerIndex": index,
			"cardPresent": present,
		})
	}
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	req, ok := c.parseReader(id, payload)
	if !ok {
		return
	}

	c.mu.Lock()
	if poll, ok := c.polls[req.ReaderIndex]; ok {
		poll.halt()
		delete(c.polls, req.ReaderIndex)
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed from reader", map[string]any{
		"client":      c.id,
		"readerIndex": req.ReaderIndex,
	})
	c.sendResponse(id, "unsubscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	readers, err := cardService.ListReaders()
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "health", map[string]interface{}{
		"status":      "ok",
		"readerCount": len(readers),
	})
}
