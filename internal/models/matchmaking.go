package models

// QueueEntry is a matchmaking queue record. It lives only in the transient
// store and is considered stale once its time-to-live elapses.
type QueueEntry struct {
	UserID     string `json:"userId"`
	Skill      int    `json:"skill"`
	Region     string `json:"region"`
	EnqueuedAt int64  `json:"enqueuedAt"` // unix milliseconds
}
