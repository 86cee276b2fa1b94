package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/battleforge/backend/internal/config"
	"github.com/battleforge/backend/internal/models"
)

// MatchmakingService pairs queued players within a skill tolerance. Each
// region has one Redis hash partition with a TTL; entries are also treated as
// stale by enqueue time at scan, since the store only expires whole partitions.
type MatchmakingService struct {
	redis *redis.Client
	cfg   *config.GameConfig
}

func NewMatchmakingService(redisClient *redis.Client, cfg *config.GameConfig) *MatchmakingService {
	return &MatchmakingService{redis: redisClient, cfg: cfg}
}

// Enqueue adds the identity to its region partition, refreshing the
// partition's expiry.
func (s *MatchmakingService) Enqueue(ctx context.Context, userID string, skill int, region string) error {
	entry := models.QueueEntry{
		UserID:     userID,
		Skill:      skill,
		Region:     region,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal queue entry: %v", ErrValidation, err)
	}

	key := queueKey(region)
	if err := s.redis.HSet(ctx, key, userID, string(data)).Err(); err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrInfrastructure, err)
	}
	if err := s.redis.Expire(ctx, key, s.cfg.QueueTTL).Err(); err != nil {
		return fmt.Errorf("%w: queue expiry: %v", ErrInfrastructure, err)
	}

	log.Printf("[MATCHMAKING] Enqueued %s (skill %d) in region %s", userID, skill, region)
	return nil
}

// DequeueAndMatch scans the requester's region partition and claims the first
// entry within the skill tolerance. Both entries are removed on a match; a
// claim lost to a concurrent matcher is treated as a miss and scanning
// continues. An empty opponent id means no match was found.
func (s *MatchmakingService) DequeueAndMatch(ctx context.Context, userID string, skill int, region string) (string, error) {
	key := queueKey(region)
	entries, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("%w: queue scan: %v", ErrInfrastructure, err)
	}

	now := time.Now().UnixMilli()
	for candidateID, raw := range entries {
		if candidateID == userID {
			continue
		}

		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("[MATCHMAKING] Dropping malformed queue entry for %s: %v", candidateID, err)
			s.redis.HDel(ctx, key, candidateID)
			continue
		}
		if now-entry.EnqueuedAt > s.cfg.QueueTTL.Milliseconds() {
			s.redis.HDel(ctx, key, candidateID)
			continue
		}
		if abs(entry.Skill-skill) > s.cfg.SkillTolerance {
			continue
		}

		// HDel is the atomic claim: zero removed fields means a concurrent
		// matcher won the race for this opponent.
		removed, err := s.redis.HDel(ctx, key, candidateID).Result()
		if err != nil {
			return "", fmt.Errorf("%w: claim opponent: %v", ErrInfrastructure, err)
		}
		if removed == 0 {
			continue
		}

		if err := s.redis.HDel(ctx, key, userID).Err(); err != nil {
			return "", fmt.Errorf("%w: remove own entry: %v", ErrInfrastructure, err)
		}

		log.Printf("[MATCHMAKING] Matched %s with %s in region %s", userID, candidateID, region)
		return candidateID, nil
	}

	return "", nil
}

// Cancel removes the identity from every region partition. Removing an
// absent entry is not an error.
func (s *MatchmakingService) Cancel(ctx context.Context, userID string) error {
	keys, err := s.redis.Keys(ctx, "matchmaking:*").Result()
	if err != nil {
		return fmt.Errorf("%w: list queue partitions: %v", ErrInfrastructure, err)
	}
	for _, key := range keys {
		if err := s.redis.HDel(ctx, key, userID).Err(); err != nil {
			return fmt.Errorf("%w: cancel: %v", ErrInfrastructure, err)
		}
	}
	return nil
}

func queueKey(region string) string {
	return "matchmaking:" + region
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
