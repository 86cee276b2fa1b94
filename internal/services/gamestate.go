package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/battleforge/backend/internal/models"
)

// Reducer folds a validated action into the opaque session state blob. The
// game mode supplies its own; the state machine never interprets the blob.
type Reducer func(state json.RawMessage, action PlayerAction) (json.RawMessage, error)

// SessionSnapshot is the post-action view handed back for broadcast.
type SessionSnapshot struct {
	RoomID  string          `json:"roomId"`
	Players []string        `json:"players"`
	State   json.RawMessage `json:"state"`
}

// GameStateService owns live session state. The first state write for an
// unknown room creates the session (upsert semantics); a per-room mutex
// keeps checkpoint writes in the order actions were accepted.
type GameStateService struct {
	db        *sql.DB
	limiter   *RateLimiter
	antiCheat *AntiCheatService
	reducer   Reducer

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func NewGameStateService(db *sql.DB, limiter *RateLimiter, antiCheat *AntiCheatService, reducer Reducer) *GameStateService {
	if reducer == nil {
		reducer = DefaultReducer
	}
	return &GameStateService{
		db:        db,
		limiter:   limiter,
		antiCheat: antiCheat,
		reducer:   reducer,
		rooms:     make(map[string]*sync.Mutex),
	}
}

// DefaultReducer stores the action payload in the state object under the
// acting player's key.
func DefaultReducer(state json.RawMessage, action PlayerAction) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, fmt.Errorf("corrupt session state: %v", err)
		}
	}
	if len(action.Data) == 0 {
		return nil, fmt.Errorf("action payload required")
	}
	doc[action.UserID] = action.Data
	return json.Marshal(doc)
}

// ApplyAction runs the full ingestion pipeline for one action: rate limit,
// ban check, anti-cheat evaluation, reducer fold, checkpoint write. Rejections
// surface as a generic policy violation without detection internals.
func (s *GameStateService) ApplyAction(ctx context.Context, roomID string, action PlayerAction) (*SessionSnapshot, error) {
	roomLock := s.roomLock(roomID)
	roomLock.Lock()
	defer roomLock.Unlock()

	if !s.limiter.Allow(action.UserID) {
		return nil, fmt.Errorf("%w: action rejected", ErrPolicyViolation)
	}
	s.limiter.Record(action.UserID)

	banned, err := s.antiCheat.IsBanned(ctx, action.UserID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, fmt.Errorf("%w: action rejected", ErrPolicyViolation)
	}

	if !s.antiCheat.Evaluate(ctx, action) {
		return nil, fmt.Errorf("%w: action rejected", ErrPolicyViolation)
	}

	session, err := s.loadSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if session != nil && session.Finalized() {
		return nil, fmt.Errorf("%w: session %s already finalized", ErrConflict, roomID)
	}

	var priorState json.RawMessage
	players := models.StringList{}
	if session != nil {
		priorState = session.State
		players = session.Players
	}
	if !players.Contains(action.UserID) {
		players = append(players, action.UserID)
	}

	newState, err := s.reducer(priorState, action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_sessions (room_id, players, state, start_time, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (room_id)
		DO UPDATE SET players = EXCLUDED.players, state = EXCLUDED.state, updated_at = NOW()`,
		roomID, players, []byte(newState))
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint session: %v", ErrInfrastructure, err)
	}

	return &SessionSnapshot{RoomID: roomID, Players: []string(players), State: newState}, nil
}

// Finalize records the winner and end time exactly once. Repeated calls on an
// already-finalized session are a no-op so duplicate end-of-game signals are
// tolerated.
func (s *GameStateService) Finalize(ctx context.Context, roomID, winner string) error {
	roomLock := s.roomLock(roomID)
	roomLock.Lock()
	defer roomLock.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE game_sessions
		SET end_time = NOW(), winner = $1, updated_at = NOW()
		WHERE room_id = $2 AND end_time IS NULL`, winner, roomID)
	if err != nil {
		return fmt.Errorf("%w: finalize session: %v", ErrInfrastructure, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		session, err := s.loadSession(ctx, roomID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("%w: session %s", ErrNotFound, roomID)
		}
		// Already finalized by an earlier call.
		s.dropRoomLock(roomID)
		return nil
	}

	s.dropRoomLock(roomID)
	log.Printf("[SESSION] Finalized room %s, winner %s", roomID, winner)
	return nil
}

// History lists finalized sessions the player took part in, newest first.
func (s *GameStateService) History(ctx context.Context, userID string) ([]models.GameSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, players, state, start_time, end_time, winner, updated_at
		FROM game_sessions
		WHERE end_time IS NOT NULL AND players ? $1
		ORDER BY end_time DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	sessions := []models.GameSession{}
	for rows.Next() {
		var session models.GameSession
		var state []byte
		err := rows.Scan(&session.RoomID, &session.Players, &state,
			&session.StartTime, &session.EndTime, &session.Winner, &session.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", ErrInfrastructure, err)
		}
		session.State = json.RawMessage(state)
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *GameStateService) loadSession(ctx context.Context, roomID string) (*models.GameSession, error) {
	session := &models.GameSession{}
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, players, state, start_time, end_time, winner, updated_at
		FROM game_sessions
		WHERE room_id = $1`, roomID).Scan(&session.RoomID, &session.Players, &state,
		&session.StartTime, &session.EndTime, &session.Winner, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", ErrInfrastructure, err)
	}
	session.State = json.RawMessage(state)
	return session, nil
}

func (s *GameStateService) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.rooms[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.rooms[roomID] = lock
	}
	return lock
}

// dropRoomLock releases the room's mutex map entry once the session is
// finalized. Later actions for the room allocate a fresh lock and are
// rejected by the finalized check.
func (s *GameStateService) dropRoomLock(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}
