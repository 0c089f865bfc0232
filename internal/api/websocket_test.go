package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/virtual"
	"github.com/gorilla/websocket"
)

func newTestClient(hub *WSHub) *WSClient {
	return newWSClient(nil, hub)
}

// nextMessage reads the next queued message of a client built without a
// connection.
func nextMessage(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case msg := <-client.send:
		var decoded WSMessage
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		return decoded
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	return WSMessage{}
}

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	handler := InitWebSocket()
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg WSMessage) WSMessage {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var resp WSMessage
		if err := ws.ReadJSON(&resp); err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		// Skip broadcasts
		if resp.ID == msg.ID {
			return resp
		}
	}
}

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel should be initialized")
	}
	if hub.register == nil {
		t.Error("register channel should be initialized")
	}
	if hub.unregister == nil {
		t.Error("unregister channel should be initialized")
	}
}

func TestWSHub_Run(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newTestClient(hub)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if hub.Clients() != 1 {
		t.Errorf("expected 1 client, got %d", hub.Clients())
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if hub.Clients() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.Clients())
	}

	// Unregistering closes the send channel
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}
	if client.queue([]byte("late")) {
		t.Error("queue should refuse messages after close")
	}
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	clients := make([]*WSClient, 3)
	for i := range clients {
		clients[i] = newTestClient(hub)
		hub.register <- clients[i]
	}

	time.Sleep(10 * time.Millisecond)

	testMsg := []byte(`{"type":"test"}`)
	hub.broadcast <- testMsg

	time.Sleep(10 * time.Millisecond)

	for i, client := range clients {
		select {
		case msg := <-client.send:
			if string(msg) != string(testMsg) {
				t.Errorf("client %d received wrong message", i)
			}
		default:
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestWSHub_BroadcastDropsClosedClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	alive := newTestClient(hub)
	dead := newTestClient(hub)
	hub.register <- alive
	hub.register <- dead
	time.Sleep(10 * time.Millisecond)

	dead.close()
	hub.broadcast <- []byte(`{"type":"test"}`)
	time.Sleep(10 * time.Millisecond)

	if hub.Clients() != 1 {
		t.Errorf("expected 1 client after broadcast, got %d", hub.Clients())
	}
}

func TestWSClient_CloseTwice(t *testing.T) {
	client := newTestClient(nil)
	client.polls[0] = &presencePoll{ticker: time.NewTicker(time.Hour), stop: make(chan struct{})}

	client.close()
	client.close()

	if len(client.polls) != 0 {
		t.Error("close should stop every poll")
	}
}

func TestWSMessage_JSON(t *testing.T) {
	tests := []struct {
		name string
		msg  WSMessage
	}{
		{
			name: "simple message",
			msg:  WSMessage{Type: "version", ID: "123"},
		},
		{
			name: "with payload",
			msg: WSMessage{
				Type:    "read_notes",
				ID:      "456",
				Payload: json.RawMessage(`{"readerIndex":0}`),
			},
		},
		{
			name: "error with code",
			msg: WSMessage{
				Type:  "error",
				ID:    "789",
				Error: "wrong Authentication PIN (2 tries left)",
				Code:  codeWrongPIN,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			var decoded WSMessage
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			if decoded.Type != tt.msg.Type || decoded.ID != tt.msg.ID || decoded.Code != tt.msg.Code {
				t.Errorf("round trip mismatch: got %+v, want %+v", decoded, tt.msg)
			}
		})
	}

	data, _ := json.Marshal(WSMessage{Type: "version"})
	if strings.Contains(string(data), "code") {
		t.Errorf("empty code should be omitted: %s", data)
	}
}

func TestWSClient_sendResponse(t *testing.T) {
	client := newTestClient(nil)

	payload := map[string]string{"key": "value"}
	client.sendResponse("test-id", "test-type", payload)

	decoded := nextMessage(t, client)
	if decoded.Type != "test-type" {
		t.Errorf("expected type 'test-type', got '%s'", decoded.Type)
	}
	if decoded.ID != "test-id" {
		t.Errorf("expected ID 'test-id', got '%s'", decoded.ID)
	}
}

func TestWSClient_sendError(t *testing.T) {
	client := newTestClient(nil)

	client.sendError("err-id", "test error message")

	decoded := nextMessage(t, client)
	if decoded.Type != "error" {
		t.Errorf("expected type 'error', got '%s'", decoded.Type)
	}
	if decoded.Error != "test error message" {
		t.Errorf("expected error 'test error message', got '%s'", decoded.Error)
	}
}

func TestWSClient_handleMessage(t *testing.T) {
	newTestService(t, virtual.NewCard("1234"))

	tests := []struct {
		name     string
		msgType  string
		payload  string
		wantType string
	}{
		{"list_readers", "list_readers", "", "readers"},
		{"version", "version", "", "version"},
		{"health", "health", "", "health"},
		{"read_notes", "read_notes", `{"readerIndex":0}`, "notes"},
		{"read_notes default reader", "read_notes", "", "notes"},
		{"list_pins", "list_pins", `{"readerIndex":0}`, "pins"},
		{"unknown", "unknown_type", "", "error"},
		{"read_notes_invalid_payload", "read_notes", `"invalid"`, "error"},
		{"read_notes_negative", "read_notes", `{"readerIndex":-1}`, "error"},
		{"write_notes_no_payload", "write_notes", "", "error"},
		{"subscribe_invalid_payload", "subscribe", `"invalid"`, "error"},
		{"subscribe_no_reader", "subscribe", `{"readerIndex":5}`, "error"},
		{"unsubscribe_invalid_payload", "unsubscribe", `"invalid"`, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(nil)
			defer client.close()

			var payload json.RawMessage
			if tt.payload != "" {
				payload = json.RawMessage(tt.payload)
			}

			client.handleMessage(WSMessage{
				Type:    tt.msgType,
				ID:      "test-id",
				Payload: payload,
			})

			decoded := nextMessage(t, client)
			if decoded.Type != tt.wantType {
				t.Errorf("expected type '%s', got '%s' (%s)", tt.wantType, decoded.Type, decoded.Error)
			}
		})
	}
}

func TestWSClient_handleReadNotes(t *testing.T) {
	card := virtual.NewCard("1234").WithNotes([]byte("hello\x00"))
	newTestService(t, card)

	client := newTestClient(nil)
	client.handleReadNotes("r1", json.RawMessage(`{"readerIndex":0}`))

	decoded := nextMessage(t, client)
	var notes notesResponse
	if err := json.Unmarshal(decoded.Payload, &notes); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if notes.Notes != "hello" || notes.Length != 6 {
		t.Errorf("unexpected notes: %+v", notes)
	}
}

func TestWSClient_handleReadNotes_NoCard(t *testing.T) {
	newTestService(t, virtual.NewCard("1234"))

	client := newTestClient(nil)
	client.handleReadNotes("r1", json.RawMessage(`{"readerIndex":1}`))

	decoded := nextMessage(t, client)
	if decoded.Type != "error" || decoded.Code != codeNoCard {
		t.Errorf("expected no_card error, got %+v", decoded)
	}
}

func TestWSClient_handleWriteNotes_WrongPIN(t *testing.T) {
	newTestService(t, virtual.NewCard("1234"))

	client := newTestClient(nil)
	client.handleWriteNotes("w1", json.RawMessage(`{"readerIndex":0,"notes":"x","pin":"0000"}`))

	decoded := nextMessage(t, client)
	if decoded.Code != codeWrongPIN {
		t.Fatalf("expected wrong_pin, got %+v", decoded)
	}
	var payload map[string]int
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload["triesLeft"] != 2 {
		t.Errorf("expected triesLeft 2, got %d", payload["triesLeft"])
	}
}

func TestWSClient_handleWriteNotes(t *testing.T) {
	card := virtual.NewCard("1234")
	newTestService(t, card)

	client := newTestClient(nil)
	client.handleWriteNotes("w1", json.RawMessage(`{"readerIndex":0,"notes":"hi","pin":"1234","pinRef":"sign"}`))

	decoded := nextMessage(t, client)
	if decoded.Type != "write_success" {
		t.Fatalf("expected write_success, got %+v", decoded)
	}
	if got := string(card.Notes()); got != "hi\x00" {
		t.Errorf("card notes = %q", got)
	}
}

func TestWSClient_handleWriteNotes_MalformedPIN(t *testing.T) {
	card := virtual.NewCard("1234")
	newTestService(t, card)

	client := newTestClient(nil)
	client.handleWriteNotes("w1", json.RawMessage(`{"readerIndex":0,"notes":"x","pin":"12"}`))

	decoded := nextMessage(t, client)
	if decoded.Type != "error" || decoded.Code != codeInvalidPIN {
		t.Fatalf("expected invalid_pin error, got %+v", decoded)
	}
	if card.TriesLeft(eid.AuthPin) != eid.DefaultPinTries {
		t.Error("malformed PIN should not consume a try")
	}
}

func TestWSClient_handleVerifyPin(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantType string
		wantCode string
	}{
		{"correct", `{"readerIndex":0,"pinRef":"sign","pin":"1234"}`, "pin_verified", ""},
		{"default pin", `{"readerIndex":0,"pin":"1234"}`, "pin_verified", ""},
		{"wrong", `{"readerIndex":0,"pin":"0000"}`, "error", codeWrongPIN},
		{"malformed", `{"readerIndex":0,"pin":"abcd"}`, "error", codeInvalidPIN},
		{"unknown pin", `{"readerIndex":0,"pinRef":"puk","pin":"1234"}`, "error", codeUnknownPIN},
		{"no card", `{"readerIndex":1,"pin":"1234"}`, "error", codeNoCard},
		{"negative reader", `{"readerIndex":-1,"pin":"1234"}`, "error", ""},
		{"invalid payload", `"invalid"`, "error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newTestService(t, virtual.NewCard("1234"))
			client := newTestClient(nil)
			defer client.close()

			client.handleMessage(WSMessage{Type: "verify_pin", ID: "v1", Payload: json.RawMessage(tt.payload)})

			decoded := nextMessage(t, client)
			if decoded.Type != tt.wantType {
				t.Fatalf("expected type %q, got %+v", tt.wantType, decoded)
			}
			if decoded.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, decoded.Code)
			}
			if tt.wantType == "pin_verified" {
				var payload map[string]any
				if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
					t.Fatalf("failed to unmarshal payload: %v", err)
				}
				if payload["triesLeft"] != float64(eid.DefaultPinTries) {
					t.Errorf("expected %d tries left, got %v", eid.DefaultPinTries, payload["triesLeft"])
				}
			}
		})
	}
}

func TestWSClient_Subscribe(t *testing.T) {
	newTestService(t, virtual.NewCard("1234"))

	client := newTestClient(nil)
	defer client.close()

	client.handleSubscribe("s1", json.RawMessage(`{"readerIndex":0,"intervalMs":100}`))

	if decoded := nextMessage(t, client); decoded.Type != "subscribed" {
		t.Fatalf("expected subscribed, got %+v", decoded)
	}

	decoded := nextMessage(t, client)
	if decoded.Type != "card_status" {
		t.Fatalf("expected card_status, got %+v", decoded)
	}
	var status struct {
		ReaderIndex int  `json:"readerIndex"`
		CardPresent bool `json:"cardPresent"`
	}
	if err := json.Unmarshal(decoded.Payload, &status); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if status.ReaderIndex != 0 || !status.CardPresent {
		t.Errorf("unexpected status: %+v", status)
	}

	client.handleUnsubscribe("s2", json.RawMessage(`{"readerIndex":0}`))
	if decoded := nextMessage(t, client); decoded.Type != "unsubscribed" {
		t.Errorf("expected unsubscribed, got %+v", decoded)
	}

	client.mu.Lock()
	_, polling := client.polls[0]
	client.mu.Unlock()
	if polling {
		t.Error("unsubscribe should stop the poll ticker")
	}
}

func TestWSClient_handleVersion(t *testing.T) {
	origVersion := Version
	origBuildTime := BuildTime
	origGitCommit := GitCommit
	defer func() {
		Version = origVersion
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	Version = "1.0.0-test"
	BuildTime = "2024-01-01"
	GitCommit = "abc123"

	client := newTestClient(nil)
	client.handleVersion("v1")

	decoded := nextMessage(t, client)
	var payload map[string]string
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload["version"] != "1.0.0-test" {
		t.Errorf("expected version '1.0.0-test', got '%s'", payload["version"])
	}
	if payload["gitCommit"] != "abc123" {
		t.Errorf("expected gitCommit 'abc123', got '%s'", payload["gitCommit"])
	}
}

func TestInitWebSocket(t *testing.T) {
	handler := InitWebSocket()

	if handler == nil {
		t.Fatal("InitWebSocket() returned nil handler")
	}
	if wsHub == nil {
		t.Error("global wsHub should be initialized")
	}
}

// Integration test with actual WebSocket connection
func TestWebSocket_Integration(t *testing.T) {
	newTestService(t, virtual.NewCard("1234").WithNotes([]byte("old\x00")))
	ws := dialTestServer(t)

	resp := roundTrip(t, ws, WSMessage{Type: "list_readers", ID: "test-123"})
	if resp.Type != "readers" {
		t.Errorf("expected type 'readers', got '%s'", resp.Type)
	}

	resp = roundTrip(t, ws, WSMessage{
		Type:    "write_notes",
		ID:      "w1",
		Payload: json.RawMessage(`{"readerIndex":0,"notes":"new","pin":"1234"}`),
	})
	if resp.Type != "write_success" {
		t.Fatalf("expected write_success, got %+v", resp)
	}

	resp = roundTrip(t, ws, WSMessage{
		Type:    "read_notes",
		ID:      "r1",
		Payload: json.RawMessage(`{"readerIndex":0}`),
	})
	var notes notesResponse
	if err := json.Unmarshal(resp.Payload, &notes); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if notes.Notes != "new" {
		t.Errorf("expected notes 'new', got %q", notes.Notes)
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	ws := dialTestServer(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	var resp WSMessage
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if resp.Type != "error" || resp.Error != "invalid message format" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	ws := dialTestServer(t)

	resp := roundTrip(t, ws, WSMessage{Type: "unknown_type_xyz", ID: "u1"})

	if resp.Type != "error" {
		t.Errorf("expected error type, got '%s'", resp.Type)
	}
	if !strings.Contains(resp.Error, "unknown message type") {
		t.Errorf("expected unknown type error, got '%s'", resp.Error)
	}
}

func TestWebSocket_ConcurrentClients(t *testing.T) {
	newTestService(t, virtual.NewCard("1234"))

	handler := InitWebSocket()
	server := httptest.NewServer(http.HandlerFunc(handler))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	numClients := 5
	var wg sync.WaitGroup
	wg.Add(numClients)

	errs := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		go func() {
			defer wg.Done()

			ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				errs <- err
				return
			}
			defer ws.Close()

			msg := WSMessage{Type: "read_notes", ID: "concurrent"}
			if err := ws.WriteJSON(msg); err != nil {
				errs <- err
				return
			}

			var resp WSMessage
			if err := ws.ReadJSON(&resp); err != nil {
				errs <- err
				return
			}
			if resp.Type != "notes" {
				errs <- &unexpectedTypeError{resp.Type}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent client error: %v", err)
	}
}

type unexpectedTypeError struct{ got string }

func (e *unexpectedTypeError) Error() string { return "unexpected message type " + e.got }

// Benchmarks
func BenchmarkWSMessage_Marshal(b *testing.B) {
	msg := WSMessage{
		Type:    "read_notes",
		ID:      "benchmark-id",
		Payload: json.RawMessage(`{"readerIndex":0}`),
	}

	for i := 0; i < b.N; i++ {
		json.Marshal(msg)
	}
}
