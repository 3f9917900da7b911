package store

import "time"

// Session holds the rotating cloud credentials. A record is written
// wholesale after every login or refresh and loaded once at startup.
// Tokens are hidden from API/JSON serialization via json:"-".
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserIndex    int       `json:"user_index"`
	UserID       string    `json:"user_id"`
}

// Valid reports whether the access token is usable at least until
// now plus the given safety buffer.
func (s *Session) Valid(buffer time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return time.Now().Add(buffer).Before(s.ExpiresAt)
}

// sessionStorage is the internal struct used for DB serialization,
// preserving the tokens on disk.
type sessionStorage struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtMS  int64  `json:"expires_at_ms"`
	UserIndex    int    `json:"user_index"`
	UserID       string `json:"user_id"`
}
