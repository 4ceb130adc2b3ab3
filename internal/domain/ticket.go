package domain

import (
	"net/http"
	"time"
)

// Well-known auxiliary ticket values.
const (
	ValueOrigin      = "origin"
	ValueAppInstance = "app_instance"
)

// Ticket is the credential bundle needed to join a room's real-time
// channel. It is owned by the session that resolved it.
type Ticket struct {
	Token      string
	Values     map[string]string
	Cookies    []*http.Cookie
	FinalURL   string
	Hops       int
	ResolvedAt time.Time
	ExpiresAt  time.Time
}

// Value returns an auxiliary value or "".
func (t *Ticket) Value(name string) string {
	if t == nil || t.Values == nil {
		return ""
	}
	return t.Values[name]
}

// Expired reports whether the ticket is past its validity window.
// A zero ExpiresAt never expires.
func (t *Ticket) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// CookieHeader renders the ticket cookies as a Cookie request header value.
func (t *Ticket) CookieHeader() string {
	if t == nil || len(t.Cookies) == 0 {
		return ""
	}
	req := http.Request{Header: http.Header{}}
	for _, c := range t.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req.Header.Get("Cookie")
}
