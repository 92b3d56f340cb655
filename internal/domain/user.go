package domain

import "time"

// User represents an account created through the identity provider.
type User struct {
	ID        string
	GitHubID  int64
	Login     string
	Name      string
	Email     string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}
