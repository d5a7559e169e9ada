package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, rounds int) *httptest.Server {
	t.Helper()

	cfg := &Config{
		rounds:    rounds,
		loadDelay: 10 * time.Millisecond,
	}

	mgr := newManager(testSongs(10), cfg.rounds)
	hub := newHub(cfg, mgr)

	mux := httprouter.New()
	mux.GET("/ws", hub.serveWS())
	mux.GET("/join/:code/qr", serveJoinQR(cfg, mgr))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil drains messages until one of the wanted type arrives,
// optionally requiring a predicate to hold.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, pred func(map[string]any) bool) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", typ)

		if msg["type"] != typ {
			continue
		}
		if pred != nil && !pred(msg) {
			continue
		}

		return msg
	}
}

func readAck(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()

	return readUntil(t, conn, "ack", func(m map[string]any) bool {
		return m["event"] == event
	})
}

func gameStateIs(state RoomState) func(map[string]any) bool {
	return func(m map[string]any) bool {
		room, ok := m["room"].(map[string]any)
		return ok && room["state"] == string(state)
	}
}

func TestGameFlowWebSocket(t *testing.T) {
	srv := newTestServer(t, 5)

	host := wsDial(t, srv)
	sendMsg(t, host, ClientMessage{Type: "join", Role: "host", Name: "Ana"})

	ack := readAck(t, host, "join")
	require.Equal(t, true, ack["ok"])

	room := ack["room"].(map[string]any)
	code := room["code"].(string)
	assert.Len(t, code, 6)
	assert.Equal(t, "lobby", room["state"])

	player := wsDial(t, srv)
	sendMsg(t, player, ClientMessage{Type: "join", Name: "Leo", Room: strings.ToLower(code)})

	ack = readAck(t, player, "join")
	require.Equal(t, true, ack["ok"])
	playerID := ack["you"].(map[string]any)["id"].(string)

	// Existing members are told about the arrival.
	joined := readUntil(t, host, "player_joined", nil)
	assert.Equal(t, "Leo", joined["player"].(map[string]any)["name"])
	assert.Len(t, joined["players"].([]any), 2)

	// Only the host may start the game.
	sendMsg(t, player, ClientMessage{Type: "start", Room: code})
	ack = readAck(t, player, "start")
	require.Equal(t, false, ack["ok"])
	assert.NotEmpty(t, ack["error"])

	sendMsg(t, host, ClientMessage{Type: "start", Room: code})
	ack = readAck(t, host, "start")
	require.Equal(t, true, ack["ok"])

	state := readUntil(t, player, "game_state", gameStateIs(StateRoundLoading))
	assert.Equal(t, float64(1), state["room"].(map[string]any)["round"])

	// The loading phase rolls into playing after the configured delay.
	readUntil(t, player, "game_state", gameStateIs(StateRoundPlaying))
	readUntil(t, host, "game_state", gameStateIs(StateRoundPlaying))

	// First buzz wins and locks the round.
	sendMsg(t, player, ClientMessage{Type: "buzz", Room: code})
	ack = readAck(t, player, "buzz")
	require.Equal(t, true, ack["ok"])
	assert.Equal(t, true, ack["won"])

	state = readUntil(t, host, "game_state", gameStateIs(StateRoundLocked))
	current := state["room"].(map[string]any)["current"].(map[string]any)
	assert.Equal(t, playerID, current["buzzedBy"])

	// A later buzz loses without erroring.
	sendMsg(t, host, ClientMessage{Type: "buzz", Room: code})
	ack = readAck(t, host, "buzz")
	require.Equal(t, true, ack["ok"])
	assert.Equal(t, false, ack["won"])

	sendMsg(t, host, ClientMessage{Type: "result", Room: code})
	readUntil(t, player, "game_state", gameStateIs(StateRoundResult))

	// Scoring is host-gated and broadcast.
	sendMsg(t, player, ClientMessage{Type: "score", Room: code, Player: playerID, Points: 10})
	ack = readAck(t, player, "score")
	require.Equal(t, false, ack["ok"])

	sendMsg(t, host, ClientMessage{Type: "score", Room: code, Player: playerID, Points: 10})
	ack = readAck(t, host, "score")
	require.Equal(t, true, ack["ok"])

	state = readUntil(t, player, "game_state", func(m map[string]any) bool {
		players := m["room"].(map[string]any)["players"].([]any)
		for _, p := range players {
			if p.(map[string]any)["id"] == playerID {
				return p.(map[string]any)["score"] == float64(10)
			}
		}
		return false
	})
	require.NotNil(t, state)

	// Departure notifies the remaining members.
	player.Close()
	left := readUntil(t, host, "player_left", nil)
	assert.Equal(t, playerID, left["playerId"])
	assert.Len(t, left["players"].([]any), 1)
}

func TestKaraokeScoreWebSocket(t *testing.T) {
	srv := newTestServer(t, 1)

	host := wsDial(t, srv)
	sendMsg(t, host, ClientMessage{Type: "join", Role: "host", Name: "Ana"})
	ack := readAck(t, host, "join")
	require.Equal(t, true, ack["ok"])
	code := ack["room"].(map[string]any)["code"].(string)

	player := wsDial(t, srv)
	sendMsg(t, player, ClientMessage{Type: "join", Name: "Leo", Room: code})
	ack = readAck(t, player, "join")
	require.Equal(t, true, ack["ok"])
	playerID := ack["you"].(map[string]any)["id"].(string)

	// Karaoke scoring is rejected before any round exists.
	sendMsg(t, host, ClientMessage{Type: "karaoke_score", Room: code, Player: playerID, Amount: 7})
	ack = readAck(t, host, "karaoke_score")
	require.Equal(t, false, ack["ok"])

	// A one-round game makes the first round the karaoke round.
	sendMsg(t, host, ClientMessage{Type: "start", Room: code})
	ack = readAck(t, host, "start")
	require.Equal(t, true, ack["ok"])

	state := readUntil(t, host, "game_state", gameStateIs(StateRoundLoading))
	current := state["room"].(map[string]any)["current"].(map[string]any)
	require.Equal(t, true, current["karaoke"])

	sendMsg(t, host, ClientMessage{Type: "karaoke_score", Room: code, Player: playerID, Amount: 7})
	ack = readAck(t, host, "karaoke_score")
	require.Equal(t, true, ack["ok"])

	sendMsg(t, host, ClientMessage{Type: "karaoke_score", Room: code, Player: playerID, Amount: 11})
	ack = readAck(t, host, "karaoke_score")
	require.Equal(t, false, ack["ok"])

	sendMsg(t, host, ClientMessage{Type: "state", Room: code})
	ack = readAck(t, host, "state")
	require.Equal(t, true, ack["ok"])

	players := ack["room"].(map[string]any)["players"].([]any)
	var score float64
	for _, p := range players {
		if p.(map[string]any)["id"] == playerID {
			score = p.(map[string]any)["score"].(float64)
		}
	}
	assert.Equal(t, float64(7), score)
}

func TestJoinMoveNotifiesOldRoom(t *testing.T) {
	srv := newTestServer(t, 5)

	ana := wsDial(t, srv)
	sendMsg(t, ana, ClientMessage{Type: "join", Role: "host", Name: "Ana"})
	ack := readAck(t, ana, "join")
	require.Equal(t, true, ack["ok"])
	first := ack["room"].(map[string]any)["code"].(string)

	leo := wsDial(t, srv)
	sendMsg(t, leo, ClientMessage{Type: "join", Name: "Leo", Room: first})
	ack = readAck(t, leo, "join")
	require.Equal(t, true, ack["ok"])
	leoID := ack["you"].(map[string]any)["id"].(string)
	readUntil(t, ana, "player_joined", nil)

	mia := wsDial(t, srv)
	sendMsg(t, mia, ClientMessage{Type: "join", Role: "host", Name: "Mia"})
	ack = readAck(t, mia, "join")
	require.Equal(t, true, ack["ok"])
	second := ack["room"].(map[string]any)["code"].(string)

	// Joining another room implicitly leaves the first, and the first
	// room hears about it.
	sendMsg(t, leo, ClientMessage{Type: "join", Name: "Leo", Room: second})
	ack = readAck(t, leo, "join")
	require.Equal(t, true, ack["ok"])

	left := readUntil(t, ana, "player_left", nil)
	assert.Equal(t, leoID, left["playerId"])
	assert.Len(t, left["players"].([]any), 1)

	state := readUntil(t, ana, "game_state", nil)
	room := state["room"].(map[string]any)
	assert.Equal(t, first, room["code"])
	assert.Len(t, room["players"].([]any), 1)

	joined := readUntil(t, mia, "player_joined", nil)
	assert.Equal(t, "Leo", joined["player"].(map[string]any)["name"])
}

func TestHostMoveTransfersOldRoom(t *testing.T) {
	srv := newTestServer(t, 5)

	ana := wsDial(t, srv)
	sendMsg(t, ana, ClientMessage{Type: "join", Role: "host", Name: "Ana"})
	ack := readAck(t, ana, "join")
	require.Equal(t, true, ack["ok"])
	anaID := ack["you"].(map[string]any)["id"].(string)

	first := ack["room"].(map[string]any)["code"].(string)

	leo := wsDial(t, srv)
	sendMsg(t, leo, ClientMessage{Type: "join", Name: "Leo", Room: first})
	ack = readAck(t, leo, "join")
	require.Equal(t, true, ack["ok"])
	leoID := ack["you"].(map[string]any)["id"].(string)

	// A host creating a fresh room leaves the old one behind, promoting
	// the remaining member.
	sendMsg(t, ana, ClientMessage{Type: "join", Role: "host", Name: "Ana"})
	ack = readAck(t, ana, "join")
	require.Equal(t, true, ack["ok"])
	assert.NotEqual(t, first, ack["room"].(map[string]any)["code"])

	left := readUntil(t, leo, "player_left", nil)
	assert.Equal(t, anaID, left["playerId"])
	assert.Equal(t, leoID, left["host"])
	assert.Len(t, left["players"].([]any), 1)
}

func TestStateQueryUnknownRoom(t *testing.T) {
	srv := newTestServer(t, 5)

	conn := wsDial(t, srv)
	sendMsg(t, conn, ClientMessage{Type: "state", Room: "NOSUCH"})

	ack := readAck(t, conn, "state")
	require.Equal(t, false, ack["ok"])
	assert.Equal(t, errRoomNotFound.Error(), ack["error"])
}

func TestJoinQRHandler(t *testing.T) {
	srv := newTestServer(t, 5)

	resp, err := srv.Client().Get(srv.URL + "/join/NOSUCH/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	host := wsDial(t, srv)
	sendMsg(t, host, ClientMessage{Type: "join", Role: "host", Name: "Ana"})
	ack := readAck(t, host, "join")
	code := ack["room"].(map[string]any)["code"].(string)

	resp, err = srv.Client().Get(srv.URL + "/join/" + code + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}
