// Package prefs reads and writes the console's display preferences. They
// live only in browser cookies.
package prefs

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Cookie names.
const (
	ThemeCookie   = "theme"
	SidebarCookie = "sidebarCollapsed"
)

// Themes.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

const maxAge = 365 * 24 * time.Hour

// Prefs are the display preferences of one browser.
type Prefs struct {
	Theme            string
	SidebarCollapsed bool
}

// FromRequest reads prefs from cookies; unknown values fall back to the
// light theme and an expanded sidebar.
func FromRequest(r *http.Request) Prefs {
	p := Prefs{Theme: ThemeLight}
	if c, err := r.Cookie(ThemeCookie); err == nil && c.Value == ThemeDark {
		p.Theme = ThemeDark
	}
	if c, err := r.Cookie(SidebarCookie); err == nil {
		p.SidebarCollapsed, _ = strconv.ParseBool(c.Value)
	}
	return p
}

// Write stores p in cookies.
func Write(w http.ResponseWriter, p Prefs) {
	for name, value := range map[string]string{
		ThemeCookie:   p.Theme,
		SidebarCookie: strconv.FormatBool(p.SidebarCollapsed),
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			MaxAge:   int(maxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// Handler serves POST /prefs. The form field toggle is "theme" or
// "sidebar"; the browser is sent back to the page it came from.
func Handler(w http.ResponseWriter, r *http.Request) {
	p := FromRequest(r)
	switch r.FormValue("toggle") {
	case "theme":
		if p.Theme == ThemeDark {
			p.Theme = ThemeLight
		} else {
			p.Theme = ThemeDark
		}
	case "sidebar":
		p.SidebarCollapsed = !p.SidebarCollapsed
	}
	Write(w, p)
	http.Redirect(w, r, backTo(r), http.StatusSeeOther)
}

// backTo returns the same-origin path the request came from, or "/".
func backTo(r *http.Request) string {
	ref := r.FormValue("return_to")
	if ref == "" {
		ref = r.Referer()
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Host != "" && u.Host != r.Host) || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}
