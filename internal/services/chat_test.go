package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/battleforge/backend/internal/models"
)

func newChatFixture(ceiling int) (*ChatService, redismock.ClientMock) {
	redisClient, mock := redismock.NewClientMock()
	cfg := testGameConfig()
	limiter := NewRateLimiter(cfg.RateLimitWindow, ceiling)
	return NewChatService(redisClient, limiter, cfg), mock
}

func TestChatService_SendMessage(t *testing.T) {
	t.Run("message is persisted and returned", func(t *testing.T) {
		service, mock := newChatFixture(10)

		mock.Regexp().ExpectLPush("chat:global", `.*"content":"hello there".*`).SetVal(1)
		mock.ExpectLTrim("chat:global", 0, 49).SetVal("OK")

		msg, err := service.SendMessage(context.Background(), "global", "player1", "Player One", "hello there")
		assert.NoError(t, err)
		assert.Equal(t, "player1", msg.UserID)
		assert.Equal(t, "Player One", msg.DisplayName)
		assert.Equal(t, "hello there", msg.Content)
		assert.NotEmpty(t, msg.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		service, _ := newChatFixture(10)

		_, err := service.SendMessage(context.Background(), "global", "player1", "Player One", "   ")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("oversized content is rejected", func(t *testing.T) {
		service, _ := newChatFixture(10)

		long := make([]byte, 501)
		for i := range long {
			long[i] = 'a'
		}
		_, err := service.SendMessage(context.Background(), "global", "player1", "Player One", string(long))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("rate limited sender is rejected", func(t *testing.T) {
		service, _ := newChatFixture(0)

		_, err := service.SendMessage(context.Background(), "global", "player1", "Player One", "hello")
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("content filter blocks cheat solicitation", func(t *testing.T) {
		service, _ := newChatFixture(10)

		for _, content := range []string{
			"anyone got an aimbot for sale",
			"I will SELL GOLD cheap",
			"give me your password and I'll boost you",
		} {
			_, err := service.SendMessage(context.Background(), "global", "player1", "Player One", content)
			assert.ErrorIs(t, err, ErrPolicyViolation, content)
		}
	})

	t.Run("store failure surfaces as infrastructure error", func(t *testing.T) {
		service, mock := newChatFixture(10)

		mock.Regexp().ExpectLPush("chat:global", `.*`).SetErr(fmt.Errorf("connection refused"))

		_, err := service.SendMessage(context.Background(), "global", "player1", "Player One", "hello")
		assert.ErrorIs(t, err, ErrInfrastructure)
	})
}

func TestChatService_History(t *testing.T) {
	t.Run("returns retained messages oldest first", func(t *testing.T) {
		service, mock := newChatFixture(10)

		older := models.ChatMessage{ID: "m1", Channel: "global", UserID: "player1", Content: "first", SentAt: time.Now().Add(-time.Minute)}
		newer := models.ChatMessage{ID: "m2", Channel: "global", UserID: "player2", Content: "second", SentAt: time.Now()}
		olderJSON, _ := json.Marshal(older)
		newerJSON, _ := json.Marshal(newer)

		// LPush keeps newest at index 0.
		mock.ExpectLRange("chat:global", 0, 49).SetVal([]string{string(newerJSON), string(olderJSON)})

		messages, err := service.History(context.Background(), "global")
		assert.NoError(t, err)
		assert.Len(t, messages, 2)
		assert.Equal(t, "first", messages[0].Content)
		assert.Equal(t, "second", messages[1].Content)
	})

	t.Run("malformed entries are skipped", func(t *testing.T) {
		service, mock := newChatFixture(10)

		valid := models.ChatMessage{ID: "m1", Channel: "global", UserID: "player1", Content: "ok"}
		validJSON, _ := json.Marshal(valid)
		mock.ExpectLRange("chat:global", 0, 49).SetVal([]string{string(validJSON), "{not json"})

		messages, err := service.History(context.Background(), "global")
		assert.NoError(t, err)
		assert.Len(t, messages, 1)
		assert.Equal(t, "ok", messages[0].Content)
	})

	t.Run("empty channel history", func(t *testing.T) {
		service, mock := newChatFixture(10)

		mock.ExpectLRange("chat:quiet", 0, 49).SetVal([]string{})

		messages, err := service.History(context.Background(), "quiet")
		assert.NoError(t, err)
		assert.Empty(t, messages)
	})
}
