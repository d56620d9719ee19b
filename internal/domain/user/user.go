package user

import "time"

// User is the durable record for an identity-provider subject. The ID equals
// the provider's subject claim; (user_id, email) is a bijection after
// reconciliation.
type User struct {
	ID         string    `json:"user_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	Name       string    `json:"name,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Claims is the verified output of the identity provider boundary.
type Claims struct {
	UserID        string
	Username      string
	Email         string
	EmailVerified bool
	Name          string
	Phone         string
}

// Contact is the notification address shape carried in settlement messages.
type Contact struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username"`
}
