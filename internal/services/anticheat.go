package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/battleforge/backend/internal/config"
)

// PlayerAction is one in-match action submitted over the transport.
type PlayerAction struct {
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Data      json.RawMessage `json:"data"`
}

// ActionRule validates one action type's payload. A returned error means the
// action is rejected; malformed payloads are rejections, never panics.
type ActionRule interface {
	Validate(data json.RawMessage) error
}

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type positionSample struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type movementPayload struct {
	Speed        float64         `json:"speed"`
	Position     *position       `json:"position"`
	LastPosition *positionSample `json:"lastPosition"`
	Timestamp    int64           `json:"timestamp"`
}

// movementRule rejects actions whose observed speed exceeds the claimed speed
// by more than the configured tolerance. The first sample for an identity is
// always accepted.
type movementRule struct {
	tolerance float64
}

func (r movementRule) Validate(data json.RawMessage) error {
	var p movementPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("malformed movement payload: %w", err)
	}
	if p.LastPosition == nil {
		return nil
	}
	if p.Position == nil {
		return errors.New("movement payload missing position")
	}

	elapsed := float64(p.Timestamp - p.LastPosition.Timestamp)
	if elapsed <= 0 {
		return errors.New("movement timestamps out of order")
	}

	distance := math.Sqrt(
		math.Pow(p.Position.X-p.LastPosition.X, 2) +
			math.Pow(p.Position.Y-p.LastPosition.Y, 2),
	)
	observed := distance / elapsed

	if observed > p.Speed*r.tolerance {
		return fmt.Errorf("observed speed %.4f exceeds claimed %.4f", observed, p.Speed)
	}
	return nil
}

type attackSample struct {
	Timestamp int64 `json:"timestamp"`
}

type combatPayload struct {
	Damage      float64       `json:"damage"`
	MaxDamage   float64       `json:"maxDamage"`
	AttackSpeed int64         `json:"attackSpeed"` // minimum ms between attacks
	Timestamp   int64         `json:"timestamp"`
	LastAttack  *attackSample `json:"lastAttack"`
}

// combatRule rejects attacks that arrive faster than the claimed attack
// interval or deal more than the declared maximum damage.
type combatRule struct{}

func (combatRule) Validate(data json.RawMessage) error {
	var p combatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("malformed combat payload: %w", err)
	}
	if p.LastAttack == nil {
		return nil
	}
	if p.Timestamp-p.LastAttack.Timestamp < p.AttackSpeed {
		return errors.New("attack faster than claimed attack interval")
	}
	if p.Damage > p.MaxDamage {
		return fmt.Errorf("damage %.2f exceeds declared maximum %.2f", p.Damage, p.MaxDamage)
	}
	return nil
}

// SuspicionStore tracks per-identity rolling action counters. In-process by
// default; swappable for a shared store when running multiple coordinators.
type SuspicionStore interface {
	// Record bumps the counters for the identity, resetting the window when it
	// has elapsed, and returns the totals after the bump.
	Record(identity string, suspicious bool) (actions, suspiciousCount int)
}

type suspicionRecord struct {
	actions     int
	suspicious  int
	windowStart time.Time
}

type memorySuspicionStore struct {
	mu            sync.Mutex
	stats         map[string]*suspicionRecord
	resetInterval time.Duration
	lastSweep     time.Time
}

func newMemorySuspicionStore(resetInterval time.Duration) *memorySuspicionStore {
	return &memorySuspicionStore{
		stats:         make(map[string]*suspicionRecord),
		resetInterval: resetInterval,
		lastSweep:     time.Now(),
	}
}

func (s *memorySuspicionStore) Record(identity string, suspicious bool) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweepLocked(now)

	rec, ok := s.stats[identity]
	if !ok || now.Sub(rec.windowStart) > s.resetInterval {
		rec = &suspicionRecord{windowStart: now}
		s.stats[identity] = rec
	}

	rec.actions++
	if suspicious {
		rec.suspicious++
	}
	return rec.actions, rec.suspicious
}

// sweepLocked evicts identities whose window has lapsed so the table does
// not grow with every identity ever seen. Runs at most once per interval.
func (s *memorySuspicionStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) <= s.resetInterval {
		return
	}
	for identity, rec := range s.stats {
		if now.Sub(rec.windowStart) > s.resetInterval {
			delete(s.stats, identity)
		}
	}
	s.lastSweep = now
}

// AntiCheatService scores per-player actions against pluggable rules and
// bans identities whose suspicion ratio crosses the threshold.
type AntiCheatService struct {
	redis *redis.Client
	store SuspicionStore
	rules map[string]ActionRule
	cfg   *config.GameConfig
}

func NewAntiCheatService(redisClient *redis.Client, cfg *config.GameConfig) *AntiCheatService {
	return &AntiCheatService{
		redis: redisClient,
		store: newMemorySuspicionStore(cfg.SuspicionResetInterval),
		rules: map[string]ActionRule{
			"movement": movementRule{tolerance: cfg.SpeedTolerance},
			"combat":   combatRule{},
		},
		cfg: cfg,
	}
}

// RegisterRule adds or replaces the validation rule for an action type.
func (s *AntiCheatService) RegisterRule(actionType string, rule ActionRule) {
	s.rules[actionType] = rule
}

// Evaluate scores a single action. It returns false when the action is
// rejected, either by its rule or because the suspicion ratio tripped a ban.
// Unknown action types are accepted.
func (s *AntiCheatService) Evaluate(ctx context.Context, action PlayerAction) bool {
	var ruleErr error
	if rule, ok := s.rules[action.Type]; ok {
		ruleErr = rule.Validate(action.Data)
	}

	if ruleErr != nil {
		log.Printf("[ANTICHEAT] Rejected %s action from %s: %v", action.Type, action.UserID, ruleErr)
		s.logSuspiciousActivity(ctx, action, ruleErr)
	}

	actions, suspicious := s.store.Record(action.UserID, ruleErr != nil)

	if actions >= s.cfg.SuspicionMinSample &&
		float64(suspicious)/float64(actions) > s.cfg.SuspicionThreshold {
		s.ban(ctx, action.UserID)
		return false
	}

	return ruleErr == nil
}

// IsBanned reports whether the identity holds an unexpired ban marker.
func (s *AntiCheatService) IsBanned(ctx context.Context, identity string) (bool, error) {
	err := s.redis.Get(ctx, banKey(identity)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: ban lookup: %v", ErrInfrastructure, err)
	}
	return true, nil
}

func (s *AntiCheatService) ban(ctx context.Context, identity string) {
	log.Printf("[ANTICHEAT] Cheating detected, banning %s for %v", identity, s.cfg.BanDuration)
	if err := s.redis.Set(ctx, banKey(identity), time.Now().UnixMilli(), s.cfg.BanDuration).Err(); err != nil {
		log.Printf("[ANTICHEAT] Failed to write ban marker for %s: %v", identity, err)
	}
}

func (s *AntiCheatService) logSuspiciousActivity(ctx context.Context, action PlayerAction, cause error) {
	record, err := json.Marshal(map[string]any{
		"userId":     action.UserID,
		"type":       action.Type,
		"timestamp":  action.Timestamp,
		"data":       action.Data,
		"reason":     cause.Error(),
		"detectedAt": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := s.redis.LPush(ctx, suspiciousKey(action.UserID), string(record)).Err(); err != nil {
		log.Printf("[ANTICHEAT] Failed to append suspicious-activity log for %s: %v", action.UserID, err)
	}
}

func banKey(identity string) string {
	return "banned:" + identity
}

func suspiciousKey(identity string) string {
	return "suspicious:" + identity
}
