package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/battleforge/backend/internal/config"
	"github.com/battleforge/backend/internal/models"
)

// Patterns that get a message dropped before it reaches the channel:
// cheat solicitation, real-money trading and credential fishing.
var blockedContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(hack|cheat|exploit|aimbot|wallhack)\b`),
	regexp.MustCompile(`(?i)\b(buy|sell)\s+(gold|coins|currency|items?)\b`),
	regexp.MustCompile(`(?i)\b(password|account\s+details|login\s+credentials)\b`),
}

// ChatService validates and persists channel messages. History lives in Redis
// capped at the configured limit per channel.
type ChatService struct {
	redis   *redis.Client
	limiter *RateLimiter
	cfg     *config.GameConfig
}

func NewChatService(redisClient *redis.Client, limiter *RateLimiter, cfg *config.GameConfig) *ChatService {
	return &ChatService{redis: redisClient, limiter: limiter, cfg: cfg}
}

// History returns the channel's retained messages, oldest first.
func (s *ChatService) History(ctx context.Context, channel string) ([]models.ChatMessage, error) {
	raw, err := s.redis.LRange(ctx, chatKey(channel), 0, int64(s.cfg.ChatHistoryLimit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch chat history: %v", ErrInfrastructure, err)
	}

	// Entries are pushed newest-first; reverse for display order.
	messages := make([]models.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			log.Printf("[CHAT] Skipping malformed history entry in %s: %v", channel, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SendMessage rate-limits the sender, filters the content and appends the
// message to the channel history. The returned message is what the caller
// broadcasts.
func (s *ChatService) SendMessage(ctx context.Context, channel, userID, displayName, content string) (*models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content required", ErrValidation)
	}
	if len(content) > 500 {
		return nil, fmt.Errorf("%w: message exceeds 500 characters", ErrValidation)
	}

	if !s.limiter.Allow(userID) {
		return nil, fmt.Errorf("%w: sending too fast", ErrPolicyViolation)
	}
	s.limiter.Record(userID)

	for _, pattern := range blockedContentPatterns {
		if pattern.MatchString(content) {
			log.Printf("[CHAT] Blocked message from %s in %s", userID, channel)
			return nil, fmt.Errorf("%w: message blocked by content filter", ErrPolicyViolation)
		}
	}

	msg := &models.ChatMessage{
		ID:          uuid.New().String(),
		Channel:     channel,
		UserID:      userID,
		DisplayName: displayName,
		Content:     content,
		SentAt:      time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode message: %v", ErrInfrastructure, err)
	}

	if err := s.redis.LPush(ctx, chatKey(channel), string(payload)).Err(); err != nil {
		return nil, fmt.Errorf("%w: persist message: %v", ErrInfrastructure, err)
	}
	if err := s.redis.LTrim(ctx, chatKey(channel), 0, int64(s.cfg.ChatHistoryLimit)-1).Err(); err != nil {
		return nil, fmt.Errorf("%w: trim history: %v", ErrInfrastructure, err)
	}

	return msg, nil
}

func chatKey(channel string) string {
	return fmt.Sprintf("chat:%s", channel)
}
