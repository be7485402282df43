package domain

import "time"

// Subscription records that a user can chat with an agent.
type Subscription struct {
	Username  string    `json:"username"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}
