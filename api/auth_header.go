package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken extracts the compact JWT from an Authorization header value.
func bearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", errMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.HasPrefix(raw, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := raw[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the credential of a request. Browsers cannot set
// headers on WebSocket and EventSource requests, so the token query
// parameter is accepted in place of the header.
func authHeader(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return bearerPrefix + token
	}
	return ""
}

// principal authenticates the request. Without an authenticator every
// request is anonymous.
func principal(auth Authenticator, r *http.Request) (string, error) {
	if auth == nil {
		return "", nil
	}
	return auth.UserIDFromAuthHeader(authHeader(r))
}
