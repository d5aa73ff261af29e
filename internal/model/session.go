package model

import "time"

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Session struct {
	User            *User   `json:"user"`
	Tokens          *Tokens `json:"tokens"`
	DeviceID        string  `json:"device_id"`
	IsAuthenticated bool    `json:"is_authenticated"`
}

// Complete reports whether the session carries a user, tokens and the
// authenticated flag together. Anything less is a partial session.
func (s Session) Complete() bool {
	return s.User != nil && s.Tokens != nil && s.Tokens.AccessToken != "" && s.IsAuthenticated
}

// Valid reports whether the session is complete and its access token has not
// expired at now.
func (s Session) Valid(now time.Time) bool {
	if !s.Complete() {
		return false
	}
	return now.Before(s.Tokens.ExpiresAt)
}

// Refreshable reports whether the session can run the refresh flow.
func (s Session) Refreshable() bool {
	return s.Complete() && s.Tokens.RefreshToken != ""
}

func (s Session) Clone() Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Tokens != nil {
		t := *s.Tokens
		out.Tokens = &t
	}
	return out
}
