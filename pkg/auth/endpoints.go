package auth

import "strings"

// Endpoints names the authentication routes of the remote service.
type Endpoints struct {
	Login   string
	Refresh string
	Logout  string
	Reset   string
}

// DefaultEndpoints returns the conventional authentication routes.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/auth/login",
		Refresh: "/auth/refresh",
		Logout:  "/auth/logout",
		Reset:   "/auth/reset-password",
	}
}

// IsAuthEndpoint reports whether endpoint is a login, refresh or reset
// route. Requests to these routes never carry a bearer token.
func (e Endpoints) IsAuthEndpoint(endpoint string) bool {
	p := normalizePath(endpoint)
	for _, candidate := range []string{e.Login, e.Refresh, e.Reset} {
		if candidate != "" && p == normalizePath(candidate) {
			return true
		}
	}
	return false
}

// IsRefreshEndpoint reports whether endpoint is the refresh route.
func (e Endpoints) IsRefreshEndpoint(endpoint string) bool {
	return e.Refresh != "" && normalizePath(endpoint) == normalizePath(e.Refresh)
}

func normalizePath(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	return "/" + strings.Trim(endpoint, "/")
}
