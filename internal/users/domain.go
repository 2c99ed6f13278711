package users

import "time"

// User is the principal account the authorization engine answers questions
// about. Account management itself (registration, passwords, sessions) lives
// upstream; this module only needs identity and liveness.
type User struct {
	ID        int64
	Email     string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
