package common

import (
	"net/http"
	"net/url"
	"strings"

	"upfweb/internal/render"
)

// FlashCookie carries one notice across a redirect.
const FlashCookie = "flash"

// SetFlash queues n for the next rendered page.
func SetFlash(w http.ResponseWriter, n render.Notice) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookie,
		Value:    url.QueryEscape(n.Kind + "|" + n.Message),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// TakeFlash returns the queued notice, if any, and clears it.
func TakeFlash(w http.ResponseWriter, r *http.Request) []render.Notice {
	c, err := r.Cookie(FlashCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: FlashCookie, Path: "/", MaxAge: -1})
	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil
	}
	kind, msg, ok := strings.Cut(raw, "|")
	if !ok || msg == "" {
		return nil
	}
	switch kind {
	case render.NoticeSuccess, render.NoticeError, render.NoticeWarning, render.NoticeInfo:
	default:
		kind = render.NoticeInfo
	}
	return []render.Notice{{Kind: kind, Message: msg}}
}
