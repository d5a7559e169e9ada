// Buzzbox Room/Session Manager
//
// The Manager owns every room and player record in the process. It is the
// single authority for room lifecycle, membership, round progression, and
// buzz race resolution. The websocket layer in buzzer.go never mutates any
// of this state directly; it calls the operations below and broadcasts the
// snapshots they return.
//
// Every exported operation takes the manager lock for its whole body, so
// concurrent buzz signals from different connections are linearized into
// exactly one winner. There is no window in which two callers can both
// observe an unbuzzed round.

package main

import (
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"
)

// RoomState is the room's position in the game lifecycle.
type RoomState string

const (
	StateLobby        RoomState = "lobby"
	StateRoundLoading RoomState = "round_loading"
	StateRoundPlaying RoomState = "round_playing"
	StateRoundLocked  RoomState = "round_locked"
	StateRoundResult  RoomState = "round_result"
	StateGameOver     RoomState = "game_over"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	// songPickAttempts bounds rejection sampling before the used-song
	// set is reset and repeats are allowed.
	songPickAttempts = 100
)

var avatarPalette = []string{"🦊", "🐼", "🐸", "🐙", "🦉", "🐯", "🦄", "🐳", "🦜", "🐞"}

// Player holds the data we store server-side for one connection.
type Player struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Avatar string  `json:"avatar"`

	room string
}

// Round is the transient per-round state, replaced wholesale on every
// round transition. BuzzedBy is set at most once per round.
type Round struct {
	Song      Song
	BuzzedBy  string
	StartedAt time.Time
	BuzzedAt  time.Time
	Karaoke   bool
}

// Room is owned and mutated exclusively by the Manager.
type Room struct {
	code        string
	host        string
	state       RoomState
	players     map[string]*Player
	order       []string
	round       int
	totalRounds int
	used        map[string]bool
	current     *Round
}

// RoundView is the serializable copy of a Round used in snapshots.
type RoundView struct {
	Song      Song      `json:"song"`
	BuzzedBy  string    `json:"buzzedBy,omitempty"`
	Karaoke   bool      `json:"karaoke"`
	StartedAt time.Time `json:"startedAt"`
	BuzzedAt  time.Time `json:"buzzedAt,omitzero"`
}

// RoomSnapshot is a deep copy of a room's broadcastable state, safe to
// serialize after the manager lock has been released.
type RoomSnapshot struct {
	Code        string     `json:"code"`
	Host        string     `json:"host"`
	State       RoomState  `json:"state"`
	Round       int        `json:"round"`
	TotalRounds int        `json:"totalRounds"`
	Players     []Player   `json:"players"`
	Current     *RoundView `json:"current,omitempty"`
}

// Manager is the authoritative state container for all rooms and players.
// One instance per server process; nothing here is package-level.
type Manager struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	players     map[string]*Player
	songs       []Song
	totalRounds int
}

func newManager(songs []Song, totalRounds int) *Manager {
	return &Manager{
		rooms:       make(map[string]*Room),
		players:     make(map[string]*Player),
		songs:       songs,
		totalRounds: totalRounds,
	}
}

// randomRoomCode generates a short human-typeable code from an alphabet
// without lookalike characters, rejecting bytes that would introduce
// modulo bias.
func randomRoomCode() string {
	const max = byte(255 - (256 % len(codeAlphabet)))

	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
				if len(out) == codeLength {
					return string(out)
				}
			}
		}
	}
}

func (m *Manager) newRoomCodeLocked() string {
	for {
		code := randomRoomCode()
		if _, exists := m.rooms[code]; !exists {
			return code
		}
	}
}

func randomAvatar() string {
	return avatarPalette[mrand.Intn(len(avatarPalette))]
}

// CreateRoom registers a fresh room with the caller as host and sole
// member. An empty desired code means "generate one". A desired code
// naming a live room fails with errRoomExists; the caller is expected to
// use the join path instead.
func (m *Manager) CreateRoom(sessionID, name, desired string) (*RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := desired
	if code == "" {
		code = m.newRoomCodeLocked()
	} else if _, exists := m.rooms[code]; exists {
		return nil, errRoomExists
	}

	// A session belongs to at most one room; creating a new room while
	// still a member elsewhere counts as leaving first.
	m.removePlayerLocked(sessionID)

	r := &Room{
		code:        code,
		host:        sessionID,
		state:       StateLobby,
		players:     make(map[string]*Player),
		totalRounds: m.totalRounds,
		used:        make(map[string]bool),
	}
	m.rooms[code] = r
	m.addPlayerLocked(r, sessionID, name)

	return m.snapshotLocked(r), nil
}

// AddPlayer inserts a new player into an existing room. Re-entry by a
// session already in that room returns the existing record unchanged.
// Room state is deliberately not validated: late joiners appear with
// score 0 and participate from the next round onward.
func (m *Manager) AddPlayer(sessionID, name, code string) (Player, *RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return Player{}, nil, errRoomNotFound
	}

	if p, ok := r.players[sessionID]; ok {
		return *p, m.snapshotLocked(r), nil
	}

	m.removePlayerLocked(sessionID)
	p := m.addPlayerLocked(r, sessionID, name)

	return *p, m.snapshotLocked(r), nil
}

func (m *Manager) addPlayerLocked(r *Room, sessionID, name string) *Player {
	p := &Player{
		ID:     sessionID,
		Name:   name,
		Avatar: randomAvatar(),
		room:   r.code,
	}
	r.players[sessionID] = p
	r.order = append(r.order, sessionID)
	m.players[sessionID] = p

	return p
}

// RemovePlayer deletes the player from its room. When the departing
// player was host and members remain, host status transfers to the first
// remaining member in join order. An emptied room is deleted immediately,
// signalled by a nil snapshot so the caller never broadcasts to it.
// Unknown sessions are a no-op returning (nil, nil).
func (m *Manager) RemovePlayer(sessionID string) (*RoomSnapshot, *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.removePlayerLocked(sessionID)
}

func (m *Manager) removePlayerLocked(sessionID string) (*RoomSnapshot, *Player) {
	p, ok := m.players[sessionID]
	if !ok {
		return nil, nil
	}

	delete(m.players, sessionID)

	r := m.rooms[p.room]
	if r == nil {
		removed := *p
		return nil, &removed
	}

	delete(r.players, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	removed := *p

	if len(r.players) == 0 {
		delete(m.rooms, r.code)
		return nil, &removed
	}

	if r.host == sessionID {
		r.host = r.order[0]
	}

	return m.snapshotLocked(r), &removed
}

// StartGame transitions a lobby with at least two members into the first
// loading phase. Host authorization is the caller's responsibility and is
// checked at the dispatch boundary, not here.
func (m *Manager) StartGame(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return errRoomNotFound
	}

	return m.startGameLocked(r)
}

func (m *Manager) startGameLocked(r *Room) error {
	if r.state != StateLobby {
		return errAlreadyStarted
	}
	if len(r.players) < 2 {
		return errNotEnoughPlayers
	}

	r.state = StateRoundLoading
	r.round = 0
	r.used = make(map[string]bool)

	return nil
}

// NextRound advances the room to the next round, implicitly starting the
// game when called from the lobby. Once the round counter has reached the
// total-rounds target the room moves to game over instead and no song is
// selected. The final round is always the karaoke round.
func (m *Manager) NextRound(code string) (*RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, errRoomNotFound
	}

	if err := m.nextRoundLocked(r); err != nil {
		return nil, err
	}

	return m.snapshotLocked(r), nil
}

func (m *Manager) nextRoundLocked(r *Room) error {
	if r.state == StateLobby {
		if err := m.startGameLocked(r); err != nil {
			return err
		}
	}

	if r.round >= r.totalRounds {
		r.state = StateGameOver
		r.current = nil
		return nil
	}

	song, err := m.pickSongLocked(r)
	if err != nil {
		return err
	}

	r.round++
	r.used[song.ID] = true
	r.state = StateRoundLoading
	r.current = &Round{
		Song:      song,
		StartedAt: time.Now(),
		Karaoke:   r.round == r.totalRounds,
	}

	return nil
}

// pickSongLocked selects a song not yet used this game by rejection
// sampling. When the attempt budget runs out the catalog is considered
// exhausted: the used set resets and repeats are allowed.
func (m *Manager) pickSongLocked(r *Room) (Song, error) {
	if len(m.songs) == 0 {
		return Song{}, errNoSongs
	}

	for i := 0; i < songPickAttempts; i++ {
		song := m.songs[mrand.Intn(len(m.songs))]
		if !r.used[song.ID] {
			return song, nil
		}
	}

	r.used = make(map[string]bool)

	return m.songs[mrand.Intn(len(m.songs))], nil
}

// StartRoundPlaying moves a loading round into its playing phase and
// refreshes the round's start timestamp. The expected round number keys
// the transition so that a stale timer from a superseded round is a
// harmless failure rather than a corruption of newer round data.
func (m *Manager) StartRoundPlaying(code string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return errRoomNotFound
	}
	if r.state != StateRoundLoading || r.current == nil || r.round != round {
		return errBadTransition
	}

	r.state = StateRoundPlaying
	r.current.StartedAt = time.Now()

	return nil
}

// HandleBuzz resolves the buzz race. The first call linearized by the
// manager lock while the round is playing and unbuzzed wins, records the
// player and a server-side timestamp, and locks the round. Every other
// outcome, including losing the race, returns false without error:
// being too late to buzz is expected, not exceptional.
func (m *Manager) HandleBuzz(code, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return false
	}
	if r.state != StateRoundPlaying || r.current == nil || r.current.BuzzedBy != "" {
		return false
	}
	if _, ok := r.players[sessionID]; !ok {
		return false
	}

	r.current.BuzzedBy = sessionID
	r.current.BuzzedAt = time.Now()
	r.state = StateRoundLocked

	return true
}

// ShowRoundResult transitions a locked round to the result phase.
// Scores and the transient round are untouched.
func (m *Manager) ShowRoundResult(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return errRoomNotFound
	}
	if r.state != StateRoundLocked {
		return errBadTransition
	}

	r.state = StateRoundResult

	return nil
}

// UpdateScore applies a delta to a player's score, clamped at zero.
// Callable in any room state; when scoring is appropriate is a caller
// concern.
func (m *Manager) UpdateScore(code, playerID string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateScoreLocked(code, playerID, delta)
}

func (m *Manager) updateScoreLocked(code, playerID string, delta float64) error {
	r, ok := m.rooms[code]
	if !ok {
		return errRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return errPlayerNotInRoom
	}

	p.Score = max(0, p.Score+delta)

	return nil
}

// GiveScore is the karaoke-round variant: an absolute addition bounded to
// the 0-10 scale. Repeated calls accumulate; the manager does not track
// who has already been scored this round.
func (m *Manager) GiveScore(code, playerID string, amount float64) error {
	if amount < 0 || amount > 10 {
		return errBadScoreAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateScoreLocked(code, playerID, amount)
}

// ResetRound clears the transient round and advances to the next one.
// Only meaningful from the locked or result phases; in any other state it
// returns the current snapshot unchanged.
func (m *Manager) ResetRound(code string) (*RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, errRoomNotFound
	}

	if r.state != StateRoundLocked && r.state != StateRoundResult {
		return m.snapshotLocked(r), nil
	}

	// nextRoundLocked replaces the transient round on success; clearing
	// it first would leave the room roundless if the advance fails.
	if err := m.nextRoundLocked(r); err != nil {
		return nil, err
	}

	return m.snapshotLocked(r), nil
}

// Room returns a snapshot of the room, or nil if the code names no live
// room.
func (m *Manager) Room(code string) *RoomSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}

	return m.snapshotLocked(r)
}

// PlayerBySession looks up a player by transport session id.
func (m *Manager) PlayerBySession(sessionID string) (Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.players[sessionID]
	if !ok {
		return Player{}, false
	}

	return *p, true
}

// Players lists a room's members in join order.
func (m *Manager) Players(code string) []Player {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}

	return r.playersInOrder()
}

// IsHost reports whether the session currently holds the host role in
// the room. Host-gated dispatch re-verifies this at call time, since the
// host can change mid-game via transfer-on-departure.
func (m *Manager) IsHost(code, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]

	return ok && r.host == sessionID
}

func (r *Room) playersInOrder() []Player {
	players := make([]Player, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.players[id]; ok {
			players = append(players, *p)
		}
	}

	return players
}

func (m *Manager) snapshotLocked(r *Room) *RoomSnapshot {
	snap := &RoomSnapshot{
		Code:        r.code,
		Host:        r.host,
		State:       r.state,
		Round:       r.round,
		TotalRounds: r.totalRounds,
		Players:     r.playersInOrder(),
	}

	if r.current != nil {
		view := RoundView{
			Song:      r.current.Song,
			BuzzedBy:  r.current.BuzzedBy,
			Karaoke:   r.current.Karaoke,
			StartedAt: r.current.StartedAt,
			BuzzedAt:  r.current.BuzzedAt,
		}
		snap.Current = &view
	}

	return snap
}
