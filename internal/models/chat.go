package models

import "time"

type ChatMessage struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sentAt"`
}
