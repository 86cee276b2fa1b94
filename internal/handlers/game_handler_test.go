package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/battleforge/backend/internal/config"
	mW "github.com/battleforge/backend/internal/middleware"
	"github.com/battleforge/backend/internal/services"
	"github.com/battleforge/backend/internal/ws"
)

type gameFixture struct {
	handler   *GameHandler
	hub       *ws.Hub
	dbMock    sqlmock.Sqlmock
	redisMock redismock.ClientMock
}

func newGameFixture(t *testing.T) *gameFixture {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()

	cfg := &config.GameConfig{
		RateLimitWindow:        10 * time.Second,
		RateLimitCeiling:       10,
		SuspicionResetInterval: time.Hour,
		SuspicionThreshold:     0.8,
		SuspicionMinSample:     10,
		SpeedTolerance:         1.1,
		BanDuration:            time.Hour,
		QueueTTL:               30 * time.Second,
		SkillTolerance:         100,
		PriceUpdateInterval:    5 * time.Minute,
		PriceMinMultiplier:     0.5,
		PriceMaxMultiplier:     2.0,
		ChatHistoryLimit:       50,
	}

	actionLimiter := services.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitCeiling)
	chatLimiter := services.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitCeiling)
	antiCheat := services.NewAntiCheatService(redisClient, cfg)
	matchmaking := services.NewMatchmakingService(redisClient, cfg)
	gameState := services.NewGameStateService(db, actionLimiter, antiCheat, nil)
	chat := services.NewChatService(redisClient, chatLimiter, cfg)

	hub := ws.NewHub()
	return &gameFixture{
		handler:   NewGameHandler(hub, matchmaking, gameState, chat),
		hub:       hub,
		dbMock:    dbMock,
		redisMock: redisMock,
	}
}

// newGameServer mounts the socket route the way the real router does. A
// non-zero requestTimeout additionally wraps the route in the router's
// request deadline middleware.
func newGameServer(t *testing.T, fix *gameFixture, requestTimeout time.Duration) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	if requestTimeout > 0 {
		r.Use(chimiddleware.Timeout(requestTimeout))
	}
	r.Group(func(r chi.Router) {
		r.Use(mW.AuthMiddleware)
		r.Get("/ws", fix.handler.HandleWS)
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func signedToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	viper.Set("jwt.secret_key", "test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":      userID,
		"display_name": displayName,
	})
	signed, err := token.SignedString([]byte("test-secret"))
	assert.NoError(t, err)
	return signed
}

func dialGame(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + signedToken(t, userID, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	assert.NoError(t, err)
	env, err := json.Marshal(ws.Envelope{Event: event, Data: payload})
	assert.NoError(t, err)
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, env))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *ws.Envelope {
	t.Helper()
	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	assert.NoError(t, err)
	env := &ws.Envelope{}
	assert.NoError(t, json.Unmarshal(payload, env))
	return env
}

// A session easily outlives any request deadline on the socket route, so
// events arriving after the upgrade request's context has expired must still
// be served.
func TestHandleWS_EventsOutliveRequestDeadline(t *testing.T) {
	fix := newGameFixture(t)
	server := newGameServer(t, fix, 150*time.Millisecond)
	conn := dialGame(t, server, "player1")

	// Let the route's request deadline lapse before the first event.
	time.Sleep(300 * time.Millisecond)

	fix.redisMock.ExpectGet("banned:player1").RedisNil()
	fix.dbMock.ExpectQuery("FROM game_sessions").
		WithArgs("room1").
		WillReturnError(sql.ErrNoRows)
	fix.dbMock.ExpectExec("INSERT INTO game_sessions").
		WithArgs("room1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fix.redisMock.ExpectLRange("chat:global", 0, 49).SetVal([]string{})

	sendEnvelope(t, conn, ws.EventGameAction, map[string]any{
		"roomId":    "room1",
		"type":      "emote",
		"timestamp": 1000,
		"data":      map[string]any{"pose": "wave"},
	})
	sendEnvelope(t, conn, ws.EventJoinChannel, map[string]any{"channel": "global"})

	// Dispatch is sequential per connection: a rejection of the first event
	// would surface as gameError before the chat history reply.
	env := readEnvelope(t, conn)
	assert.Equal(t, ws.EventChatHistory, env.Event)
	assert.NoError(t, fix.dbMock.ExpectationsWereMet())
	assert.NoError(t, fix.redisMock.ExpectationsWereMet())
}

// A reconnect displaces the previous connection; the displaced connection's
// cleanup must leave the reconnected player's queue entry alone.
func TestHandleWS_ReconnectKeepsQueueEntry(t *testing.T) {
	fix := newGameFixture(t)
	server := newGameServer(t, fix, 0)

	first := dialGame(t, server, "player1")

	fix.redisMock.Regexp().ExpectHSet("matchmaking:eu", "player1", `.*"skill":1500.*`).SetVal(1)
	fix.redisMock.ExpectExpire("matchmaking:eu", 30*time.Second).SetVal(true)
	fix.redisMock.ExpectHGetAll("matchmaking:eu").SetVal(map[string]string{})
	sendEnvelope(t, first, ws.EventFindMatch, map[string]any{"skill": 1500, "region": "eu"})

	assert.Eventually(t, func() bool {
		return fix.redisMock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond, "player1 never reached the queue")

	// Queue removal armed before the reconnect: only the final disconnect
	// may consume it.
	fix.redisMock.ExpectKeys("matchmaking:*").SetVal([]string{"matchmaking:eu"})
	fix.redisMock.ExpectHDel("matchmaking:eu", "player1").SetVal(1)

	second := dialGame(t, server, "player1")

	// The displaced connection's read loop ends once the hub closes it.
	assert.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
	time.Sleep(100 * time.Millisecond)

	assert.Error(t, fix.redisMock.ExpectationsWereMet(),
		"displaced connection removed the fresh queue entry")

	assert.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		return fix.redisMock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond, "final disconnect never cleaned the queue")
}
