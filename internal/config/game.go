package config

import (
	"os"
	"strconv"
	"time"
)

type GameConfig struct {
	// Rate limiter
	RateLimitWindow  time.Duration
	RateLimitCeiling int

	// Anti-cheat
	SuspicionResetInterval time.Duration
	SuspicionThreshold     float64
	SuspicionMinSample     int
	SpeedTolerance         float64
	BanDuration            time.Duration

	// Matchmaking
	QueueTTL       time.Duration
	SkillTolerance int

	// Economy
	PriceUpdateInterval time.Duration
	PriceMinMultiplier  float64
	PriceMaxMultiplier  float64

	// Chat
	ChatHistoryLimit int
}

func LoadGameConfig() *GameConfig {
	return &GameConfig{
		RateLimitWindow:  getEnvAsDuration("RATE_LIMIT_WINDOW", 10*time.Second),
		RateLimitCeiling: getEnvAsInt("RATE_LIMIT_CEILING", 10),

		SuspicionResetInterval: getEnvAsDuration("SUSPICION_RESET_INTERVAL", 1*time.Hour),
		SuspicionThreshold:     getEnvAsFloat("SUSPICION_THRESHOLD", 0.8),
		SuspicionMinSample:     getEnvAsInt("SUSPICION_MIN_SAMPLE", 10),
		SpeedTolerance:         getEnvAsFloat("SPEED_TOLERANCE", 1.1),
		BanDuration:            getEnvAsDuration("BAN_DURATION", 1*time.Hour),

		QueueTTL:       getEnvAsDuration("MATCHMAKING_QUEUE_TTL", 30*time.Second),
		SkillTolerance: getEnvAsInt("MATCHMAKING_SKILL_TOLERANCE", 100),

		PriceUpdateInterval: getEnvAsDuration("PRICE_UPDATE_INTERVAL", 5*time.Minute),
		PriceMinMultiplier:  getEnvAsFloat("PRICE_MIN_MULTIPLIER", 0.5),
		PriceMaxMultiplier:  getEnvAsFloat("PRICE_MAX_MULTIPLIER", 2.0),

		ChatHistoryLimit: getEnvAsInt("CHAT_HISTORY_LIMIT", 50),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
