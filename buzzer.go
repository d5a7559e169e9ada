// Buzzbox WebSocket dispatcher
//
// One /ws endpoint per server. Each connection is assigned a session id
// for its lifetime; a dropped connection is a permanent departure, never
// resumed. The dispatcher parses inbound events, re-verifies host
// identity for host-gated events, invokes one Manager operation per
// event, acknowledges the caller directly, and broadcasts the resulting
// room snapshot to every member of the affected room.
//
// The loading→playing transition is time-driven: after a round enters
// its loading phase, a scheduled task fires the playing phase once the
// configured delay elapses. The task is keyed by room code and round
// number, so a timer outliving its room or round fails the manager's
// revalidation and is dropped.

package main

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// ClientMessage is the envelope for every inbound event.
type ClientMessage struct {
	Type   string  `json:"type"`             // "join", "start", "next", "buzz", "result", "score", "karaoke_score", "reset", "state"
	ID     string  `json:"id,omitempty"`     // optional correlation id, echoed in the ack
	Name   string  `json:"name,omitempty"`   // join
	Role   string  `json:"role,omitempty"`   // join: "host" or "player"
	Room   string  `json:"room,omitempty"`   // room code
	Player string  `json:"player,omitempty"` // score / karaoke_score target
	Points float64 `json:"points,omitempty"` // score delta
	Amount float64 `json:"amount,omitempty"` // karaoke score, 0-10
}

// AckMessage is sent only to the original caller of an event.
type AckMessage struct {
	Type  string        `json:"type"` // "ack"
	ID    string        `json:"id,omitempty"`
	Event string        `json:"event"`
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	Won   *bool         `json:"won,omitempty"` // buzz outcome
	Room  *RoomSnapshot `json:"room,omitempty"`
	You   *Player       `json:"you,omitempty"`
}

// GameStateMessage is the room-wide snapshot broadcast after every
// mutation.
type GameStateMessage struct {
	Type string        `json:"type"` // "game_state"
	Room *RoomSnapshot `json:"room"`
}

// PlayerJoinedMessage notifies a room's existing members about a new
// arrival.
type PlayerJoinedMessage struct {
	Type    string   `json:"type"` // "player_joined"
	Player  Player   `json:"player"`
	Players []Player `json:"players"`
}

// PlayerLeftMessage notifies remaining members about a departure and the
// possibly-transferred host role.
type PlayerLeftMessage struct {
	Type     string   `json:"type"` // "player_left"
	PlayerID string   `json:"playerId"`
	Host     string   `json:"host"`
	Players  []Player `json:"players"`
}

type Client struct {
	conn      *websocket.Conn
	send      chan any
	sessionID string

	mu     sync.Mutex
	closed bool
}

// trySend queues a message without blocking. It reports false when the
// client is gone or its send buffer is full.
func (c *Client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

// Hub routes events between connected clients and the Manager.
type Hub struct {
	cfg *Config
	mgr *Manager

	mu      sync.RWMutex
	clients map[string]*Client
}

func newHub(cfg *Config, mgr *Manager) *Hub {
	return &Hub{
		cfg:     cfg,
		mgr:     mgr,
		clients: make(map[string]*Client),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Hub) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:      conn,
			send:      make(chan any, 16),
			sessionID: uuid.NewString(),
		}

		h.mu.Lock()
		h.clients[client.sessionID] = client
		h.mu.Unlock()

		go client.writePump()
		h.readPump(client)
	}
}

func (h *Hub) readPump(c *Client) {
	defer h.disconnect(c)

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		h.dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// disconnect runs the departure path: the player is removed from its
// room, the remaining members are notified, and an emptied room has
// already been deleted by the manager, so nothing is broadcast to it.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()

	c.shutdown()
	_ = c.conn.Close()

	snap, removed := h.mgr.RemovePlayer(c.sessionID)
	if removed == nil {
		return
	}

	logf(h.cfg, "GAMES: Player %q left", removed.Name)

	if snap != nil {
		h.sendToRoom(snap, PlayerLeftMessage{
			Type:     "player_left",
			PlayerID: removed.ID,
			Host:     snap.Host,
			Players:  snap.Players,
		})
		h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (h *Hub) dispatch(c *Client, msg ClientMessage) {
	code := normalizeCode(msg.Room)

	switch msg.Type {
	case "join":
		h.handleJoin(c, msg, code)
	case "start":
		h.handleStart(c, msg, code)
	case "next":
		h.handleNext(c, msg, code)
	case "buzz":
		h.handleBuzz(c, msg, code)
	case "result":
		h.handleResult(c, msg, code)
	case "score":
		h.handleScore(c, msg, code)
	case "karaoke_score":
		h.handleKaraokeScore(c, msg, code)
	case "reset":
		h.handleReset(c, msg, code)
	case "state":
		h.handleState(c, msg, code)
	default:
		// ignore unknown types
	}
}

func (h *Hub) handleJoin(c *Client, msg ClientMessage, code string) {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		h.fail(c, msg, errors.New("a display name is required"))
		return
	}

	// Joining a new room while still a member elsewhere is an implicit
	// departure from the old room, which must hear about it like any
	// other departure.
	prev, wasMember := h.mgr.PlayerBySession(c.sessionID)

	if msg.Role == "host" {
		snap, err := h.mgr.CreateRoom(c.sessionID, name, code)
		if err != nil {
			h.fail(c, msg, err)
			return
		}

		logf(h.cfg, "GAMES: Player %q created room %s", name, snap.Code)

		you, _ := h.mgr.PlayerBySession(c.sessionID)
		h.ack(c, msg, AckMessage{Room: snap, You: &you})
		h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})

		if wasMember {
			h.notifyDeparted(prev, snap.Code)
		}

		return
	}

	you, snap, err := h.mgr.AddPlayer(c.sessionID, name, code)
	if err != nil {
		h.fail(c, msg, err)
		return
	}

	logf(h.cfg, "GAMES: Player %q joined room %s", name, code)

	h.ack(c, msg, AckMessage{Room: snap, You: &you})
	h.sendToOthers(snap, c.sessionID, PlayerJoinedMessage{
		Type:    "player_joined",
		Player:  you,
		Players: snap.Players,
	})
	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})

	if wasMember {
		h.notifyDeparted(prev, snap.Code)
	}
}

// notifyDeparted tells a mover's previous room about the departure after
// a room switch. The manager has already removed the player, so a nil
// snapshot means the old room emptied and was deleted, and there is
// nobody left to notify. Re-entering the same room is not a move.
func (h *Hub) notifyDeparted(prev Player, joined string) {
	if prev.room == joined {
		return
	}

	snap := h.mgr.Room(prev.room)
	if snap == nil {
		return
	}

	h.sendToRoom(snap, PlayerLeftMessage{
		Type:     "player_left",
		PlayerID: prev.ID,
		Host:     snap.Host,
		Players:  snap.Players,
	})
	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
}

func (h *Hub) handleStart(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	if err := h.mgr.StartGame(code); err != nil {
		h.fail(c, msg, err)
		return
	}

	snap, err := h.mgr.NextRound(code)
	if err != nil {
		h.fail(c, msg, err)
		return
	}

	logf(h.cfg, "GAMES: Game started in room %s", code)

	h.ack(c, msg, AckMessage{Room: snap})
	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
	h.scheduleRoundStart(code, snap)
}

func (h *Hub) handleNext(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	snap, err := h.mgr.NextRound(code)
	if err != nil {
		h.fail(c, msg, err)
		return
	}

	h.ack(c, msg, AckMessage{Room: snap})
	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
	h.scheduleRoundStart(code, snap)
}

func (h *Hub) handleBuzz(c *Client, msg ClientMessage, code string) {
	won := h.mgr.HandleBuzz(code, c.sessionID)

	h.ack(c, msg, AckMessage{Won: &won})

	if won {
		logf(h.cfg, "GAMES: Buzz won by %s in room %s", c.sessionID, code)
		h.broadcastState(code)
	}
}

func (h *Hub) handleResult(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	if err := h.mgr.ShowRoundResult(code); err != nil {
		h.fail(c, msg, err)
		return
	}

	h.ack(c, msg, AckMessage{})
	h.broadcastState(code)
}

func (h *Hub) handleScore(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	if err := h.mgr.UpdateScore(code, msg.Player, msg.Points); err != nil {
		h.fail(c, msg, err)
		return
	}

	h.ack(c, msg, AckMessage{})
	h.broadcastState(code)
}

func (h *Hub) handleKaraokeScore(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	snap := h.mgr.Room(code)
	if snap == nil {
		h.fail(c, msg, errRoomNotFound)
		return
	}
	if snap.Current == nil || !snap.Current.Karaoke {
		h.fail(c, msg, errNotKaraoke)
		return
	}

	if err := h.mgr.GiveScore(code, msg.Player, msg.Amount); err != nil {
		h.fail(c, msg, err)
		return
	}

	h.ack(c, msg, AckMessage{})
	h.broadcastState(code)
}

func (h *Hub) handleReset(c *Client, msg ClientMessage, code string) {
	if !h.mgr.IsHost(code, c.sessionID) {
		h.fail(c, msg, errNotHost)
		return
	}

	snap, err := h.mgr.ResetRound(code)
	if err != nil {
		h.fail(c, msg, err)
		return
	}

	h.ack(c, msg, AckMessage{Room: snap})
	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
	h.scheduleRoundStart(code, snap)
}

func (h *Hub) handleState(c *Client, msg ClientMessage, code string) {
	snap := h.mgr.Room(code)
	if snap == nil {
		h.fail(c, msg, errRoomNotFound)
		return
	}

	h.ack(c, msg, AckMessage{Room: snap})
}

// scheduleRoundStart arms the delayed loading→playing transition for the
// round the snapshot describes. When the task fires, the manager
// revalidates that the room still exists, is still loading, and is still
// on the same round; a stale timer is logged and dropped.
func (h *Hub) scheduleRoundStart(code string, snap *RoomSnapshot) {
	if snap == nil || snap.State != StateRoundLoading || snap.Current == nil {
		return
	}

	round := snap.Round

	go func() {
		time.Sleep(h.cfg.loadDelay)

		if err := h.mgr.StartRoundPlaying(code, round); err != nil {
			logf(h.cfg, "GAMES: Dropped stale round timer for %s: %v", code, err)
			return
		}

		h.broadcastState(code)
	}()
}

func (h *Hub) ack(c *Client, msg ClientMessage, ack AckMessage) {
	ack.Type = "ack"
	ack.ID = msg.ID
	ack.Event = msg.Type
	ack.OK = true

	h.deliver(c, ack)
}

func (h *Hub) fail(c *Client, msg ClientMessage, err error) {
	h.deliver(c, AckMessage{
		Type:  "ack",
		ID:    msg.ID,
		Event: msg.Type,
		OK:    false,
		Error: err.Error(),
	})
}

func (h *Hub) broadcastState(code string) {
	snap := h.mgr.Room(code)
	if snap == nil {
		return
	}

	h.sendToRoom(snap, GameStateMessage{Type: "game_state", Room: snap})
}

func (h *Hub) sendToRoom(snap *RoomSnapshot, msg any) {
	h.sendToOthers(snap, "", msg)
}

func (h *Hub) sendToOthers(snap *RoomSnapshot, except string, msg any) {
	if snap == nil {
		return
	}

	for _, p := range snap.Players {
		if p.ID == except {
			continue
		}

		h.mu.RLock()
		c, ok := h.clients[p.ID]
		h.mu.RUnlock()

		if ok {
			h.deliver(c, msg)
		}
	}
}

// deliver writes without blocking; a client too slow to drain its send
// buffer is cut loose rather than stalling the room.
func (h *Hub) deliver(c *Client, msg any) {
	if c.trySend(msg) {
		return
	}

	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()

	c.shutdown()
	_ = c.conn.Close()
}
