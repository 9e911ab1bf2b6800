package store

import "time"

type Session struct {
	ID        string    `json:"session_id"`
	Namespace string    `json:"namespace"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	CreatedAt time.Time `json:"created_at"`
}
