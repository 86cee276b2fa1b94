package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// GameSession is one live game's record. It is created implicitly by the
// first checkpoint write for an unknown room id and finalized exactly once.
type GameSession struct {
	RoomID    string          `json:"room_id" db:"room_id"`
	Players   StringList      `json:"players" db:"players"`
	State     json.RawMessage `json:"state" db:"state"`
	StartTime time.Time       `json:"start_time" db:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty" db:"end_time"`
	Winner    *string         `json:"winner,omitempty" db:"winner"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Finalized reports whether the session has ended.
func (s *GameSession) Finalized() bool {
	return s.EndTime != nil
}

// StringList is a []string stored as JSONB.
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, l)
}

// Contains reports whether id is in the list.
func (l StringList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}
