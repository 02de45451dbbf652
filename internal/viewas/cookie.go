package viewas

import (
	"context"
	"net/http"
	"time"
)

const (
	CookieName = "fleet_view_as_role_id"
	// LegacyCookieName is removed whenever the current cookie is written.
	LegacyCookieName = "view_as_role"
)

// CookieChannel stores the override in a browser cookie for one request.
// Writes are visible to later Loads on the same channel.
type CookieChannel struct {
	w      http.ResponseWriter
	r      *http.Request
	secure bool
	now    func() time.Time

	written bool
	value   string
}

// NewCookieChannel binds the channel to one request. now should be the clock
// the overlay computes expiry with; nil means time.Now.
func NewCookieChannel(w http.ResponseWriter, r *http.Request, secure bool, now func() time.Time) *CookieChannel {
	if now == nil {
		now = time.Now
	}
	return &CookieChannel{w: w, r: r, secure: secure, now: now}
}

func (c *CookieChannel) Load(context.Context) (string, error) {
	if c.written {
		return c.value, nil
	}
	cookie, err := c.r.Cookie(CookieName)
	if err != nil {
		return "", nil
	}
	return cookie.Value, nil
}

func (c *CookieChannel) Save(_ context.Context, roleID string, expiresAt time.Time) error {
	maxAge := int(expiresAt.Sub(c.now()).Seconds())
	if maxAge <= 0 {
		maxAge = int(DefaultTTL.Seconds())
		expiresAt = c.now().Add(DefaultTTL)
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     CookieName,
		Value:    roleID,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.secure,
	})
	c.expire(LegacyCookieName)
	c.written = true
	c.value = roleID
	return nil
}

func (c *CookieChannel) Clear(context.Context) error {
	c.expire(CookieName)
	c.expire(LegacyCookieName)
	c.written = true
	c.value = ""
	return nil
}

func (c *CookieChannel) expire(name string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.secure,
	})
}
