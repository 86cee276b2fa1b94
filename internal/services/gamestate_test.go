package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func newGameStateFixture(t *testing.T) (*GameStateService, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()
	cfg := testGameConfig()

	limiter := NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitCeiling)
	antiCheat := NewAntiCheatService(redisClient, cfg)
	service := NewGameStateService(db, limiter, antiCheat, nil)
	return service, dbMock, redisMock
}

func TestGameStateService_ApplyAction(t *testing.T) {
	t.Run("first write creates the session", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		redisMock.ExpectGet("banned:player1").RedisNil()
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room1").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectExec("INSERT INTO game_sessions").
			WithArgs("room1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		snapshot, err := service.ApplyAction(context.Background(), "room1", PlayerAction{
			UserID: "player1", Type: "emote", Timestamp: 1000, Data: json.RawMessage(`{"pose":"wave"}`),
		})
		assert.NoError(t, err)
		assert.Equal(t, "room1", snapshot.RoomID)
		assert.Equal(t, []string{"player1"}, []string(snapshot.Players))

		var state map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(snapshot.State, &state))
		assert.Contains(t, state, "player1")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("joining an existing session extends the participant set", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		now := time.Now()
		redisMock.ExpectGet("banned:player2").RedisNil()
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room1").
			WillReturnRows(sqlmock.NewRows([]string{"room_id", "players", "state", "start_time", "end_time", "winner", "updated_at"}).
				AddRow("room1", []byte(`["player1"]`), []byte(`{"player1":{"x":1}}`), now, nil, nil, now))
		dbMock.ExpectExec("INSERT INTO game_sessions").
			WithArgs("room1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		snapshot, err := service.ApplyAction(context.Background(), "room1", PlayerAction{
			UserID: "player2", Type: "emote", Timestamp: 1000, Data: json.RawMessage(`{"x":2}`),
		})
		assert.NoError(t, err)
		assert.Equal(t, []string{"player1", "player2"}, []string(snapshot.Players))

		var state map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(snapshot.State, &state))
		assert.Contains(t, state, "player1")
		assert.Contains(t, state, "player2")
	})

	t.Run("banned identity is rejected outright", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		redisMock.ExpectGet("banned:cheater").SetVal("1")

		_, err := service.ApplyAction(context.Background(), "room1", PlayerAction{
			UserID: "cheater", Type: "emote", Data: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrPolicyViolation)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rate limit rejection happens before any store access", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		redisClient, _ := redismock.NewClientMock()
		cfg := testGameConfig()

		limiter := NewRateLimiter(cfg.RateLimitWindow, 0)
		service := NewGameStateService(db, limiter, NewAntiCheatService(redisClient, cfg), nil)

		_, err = service.ApplyAction(context.Background(), "room1", PlayerAction{
			UserID: "player1", Type: "emote", Data: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrPolicyViolation)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejected action does not reach the reducer", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		redisMock.ExpectGet("banned:player1").RedisNil()
		redisMock.Regexp().ExpectLPush("suspicious:player1", `.*`).SetVal(1)

		_, err := service.ApplyAction(context.Background(), "room1",
			movementAction("player1", 100000, 0, 1000))
		assert.ErrorIs(t, err, ErrPolicyViolation)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("finalized session refuses further actions", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		now := time.Now()
		ended := now.Add(-time.Minute)
		redisMock.ExpectGet("banned:player1").RedisNil()
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room1").
			WillReturnRows(sqlmock.NewRows([]string{"room_id", "players", "state", "start_time", "end_time", "winner", "updated_at"}).
				AddRow("room1", []byte(`["player1"]`), []byte(`{}`), now.Add(-time.Hour), ended, "player1", now))

		_, err := service.ApplyAction(context.Background(), "room1", PlayerAction{
			UserID: "player1", Type: "emote", Data: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestGameStateService_ApplyAction_Concurrency(t *testing.T) {
	t.Run("checkpoints for one room are serialized", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		const actions = 5
		now := time.Now()
		sessionRow := func() *sqlmock.Rows {
			return sqlmock.NewRows([]string{"room_id", "players", "state", "start_time", "end_time", "winner", "updated_at"}).
				AddRow("room1", []byte(`["player1"]`), []byte(`{"player1":{"pose":"wave"}}`), now, nil, nil, now)
		}

		// Ordered expectations: every load must be followed by its own
		// checkpoint write before the next load. Interleaved pipelines
		// would request a query where an exec is expected.
		redisMock.ExpectGet("banned:player1").RedisNil()
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room1").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectExec("INSERT INTO game_sessions").
			WithArgs("room1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		for i := 1; i < actions; i++ {
			redisMock.ExpectGet("banned:player1").RedisNil()
			dbMock.ExpectQuery("FROM game_sessions").
				WithArgs("room1").
				WillReturnRows(sessionRow())
			dbMock.ExpectExec("INSERT INTO game_sessions").
				WithArgs("room1", sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}

		var wg sync.WaitGroup
		errs := make(chan error, actions)
		for i := 0; i < actions; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := service.ApplyAction(context.Background(), "room1", PlayerAction{
					UserID: "player1", Type: "emote", Timestamp: int64(n), Data: json.RawMessage(`{"pose":"wave"}`),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("distinct rooms do not share a lock", func(t *testing.T) {
		service, dbMock, redisMock := newGameStateFixture(t)

		held := service.roomLock("room1")
		held.Lock()
		defer held.Unlock()

		redisMock.ExpectGet("banned:player1").RedisNil()
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room2").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectExec("INSERT INTO game_sessions").
			WithArgs("room2", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		done := make(chan error, 1)
		go func() {
			_, err := service.ApplyAction(context.Background(), "room2", PlayerAction{
				UserID: "player1", Type: "emote", Timestamp: 1000, Data: json.RawMessage(`{"pose":"wave"}`),
			})
			done <- err
		}()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("action on room2 blocked behind room1's lock")
		}
	})
}

func TestGameStateService_Finalize(t *testing.T) {
	t.Run("first finalize records the winner", func(t *testing.T) {
		service, dbMock, _ := newGameStateFixture(t)

		dbMock.ExpectExec("UPDATE game_sessions").
			WithArgs("player1", "room1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.Finalize(context.Background(), "room1", "player1")
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("second finalize is a no-op", func(t *testing.T) {
		service, dbMock, _ := newGameStateFixture(t)

		now := time.Now()
		dbMock.ExpectExec("UPDATE game_sessions").
			WithArgs("player2", "room1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("room1").
			WillReturnRows(sqlmock.NewRows([]string{"room_id", "players", "state", "start_time", "end_time", "winner", "updated_at"}).
				AddRow("room1", []byte(`["player1","player2"]`), []byte(`{}`), now.Add(-time.Hour), now, "player1", now))

		err := service.Finalize(context.Background(), "room1", "player2")
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("finalize releases the room lock entry", func(t *testing.T) {
		service, dbMock, _ := newGameStateFixture(t)

		service.roomLock("room1")
		dbMock.ExpectExec("UPDATE game_sessions").
			WithArgs("player1", "room1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Finalize(context.Background(), "room1", "player1"))

		service.mu.Lock()
		_, kept := service.rooms["room1"]
		service.mu.Unlock()
		assert.False(t, kept)
	})

	t.Run("unknown room", func(t *testing.T) {
		service, dbMock, _ := newGameStateFixture(t)

		dbMock.ExpectExec("UPDATE game_sessions").
			WithArgs("player1", "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("FROM game_sessions").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		err := service.Finalize(context.Background(), "ghost", "player1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGameStateService_History(t *testing.T) {
	service, dbMock, _ := newGameStateFixture(t)

	now := time.Now()
	dbMock.ExpectQuery("FROM game_sessions").
		WithArgs("player1").
		WillReturnRows(sqlmock.NewRows([]string{"room_id", "players", "state", "start_time", "end_time", "winner", "updated_at"}).
			AddRow("room2", []byte(`["player1","player3"]`), []byte(`{}`), now.Add(-time.Hour), now, "player1", now).
			AddRow("room1", []byte(`["player1","player2"]`), []byte(`{}`), now.Add(-48*time.Hour), now.Add(-47*time.Hour), "player2", now))

	sessions, err := service.History(context.Background(), "player1")
	assert.NoError(t, err)
	assert.Len(t, sessions, 2)
	assert.Equal(t, "room2", sessions[0].RoomID)
	assert.Equal(t, "player1", *sessions[0].Winner)
	assert.True(t, sessions[0].Finalized())
}

func TestDefaultReducer(t *testing.T) {
	t.Run("folds payload under the acting identity", func(t *testing.T) {
		state, err := DefaultReducer(nil, PlayerAction{
			UserID: "player1", Type: "movement", Data: json.RawMessage(`{"x":5}`),
		})
		assert.NoError(t, err)

		var doc map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(state, &doc))
		assert.JSONEq(t, `{"x":5}`, string(doc["player1"]))
	})

	t.Run("preserves other identities", func(t *testing.T) {
		state, err := DefaultReducer(json.RawMessage(`{"player2":{"x":1}}`), PlayerAction{
			UserID: "player1", Type: "movement", Data: json.RawMessage(`{"x":5}`),
		})
		assert.NoError(t, err)

		var doc map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(state, &doc))
		assert.Contains(t, doc, "player1")
		assert.Contains(t, doc, "player2")
	})

	t.Run("empty payload is an error", func(t *testing.T) {
		_, err := DefaultReducer(nil, PlayerAction{UserID: "player1"})
		assert.Error(t, err)
	})
}
