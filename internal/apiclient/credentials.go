package apiclient

import (
	"context"
	"net/http"
)

// CSRFHeader is the header the backend reads the CSRF token from.
const CSRFHeader = "X-CSRFToken"

// Credentials is the browser session forwarded to the backend on every
// call: its cookies and the CSRF token the backend issued for it.
type Credentials struct {
	Cookies   []*http.Cookie
	CSRFToken string
}

type credentialsKey struct{}

// WithCredentials attaches the browser session to ctx.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFrom returns the session attached by WithCredentials.
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}
