package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpoints(t *testing.T) {
	e := DefaultEndpoints()

	tests := []struct {
		endpoint  string
		isAuth    bool
		isRefresh bool
	}{
		{endpoint: "/auth/login", isAuth: true},
		{endpoint: "auth/login/", isAuth: true},
		{endpoint: "/auth/refresh", isAuth: true, isRefresh: true},
		{endpoint: "/auth/refresh?x=1", isAuth: true, isRefresh: true},
		{endpoint: "/auth/reset-password", isAuth: true},
		{endpoint: "/auth/logout", isAuth: false},
		{endpoint: "/users", isAuth: false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.isAuth, e.IsAuthEndpoint(tt.endpoint))
			assert.Equal(t, tt.isRefresh, e.IsRefreshEndpoint(tt.endpoint))
		})
	}
}
