package model

import (
	"net/http"
	"time"
)

// Cookie 会话持久化用的 cookie 表示，可与 net/http 互转。
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if c.Expires > 0 {
		hc.Expires = time.UnixMilli(c.Expires)
	}
	return hc
}

func CookieFromHTTP(hc *http.Cookie) Cookie {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Domain:   hc.Domain,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if !hc.Expires.IsZero() {
		c.Expires = hc.Expires.UnixMilli()
	}
	return c
}

func CookiesToHTTP(in []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, c.HTTP())
	}
	return out
}

func CookiesFromHTTP(in []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, hc := range in {
		out = append(out, CookieFromHTTP(hc))
	}
	return out
}
