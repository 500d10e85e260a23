package auth

import (
	"testing"
	"time"

	"github.com/Sternrassler/resilient-api-client/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClaims(t *testing.T) {
	token := testutil.MintToken(testutil.TokenClaims{
		Name:        "Grace",
		Email:       "grace@example.com",
		Role:        "editor",
		Roles:       []string{"editor", "viewer"},
		Permissions: []string{"blogs:write"},
	}, time.Hour)

	claims, err := DecodeClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "Grace", claims.Name)
	assert.Equal(t, []string{"editor", "viewer"}, claims.Roles)
}

func TestClaims_Principal_PrefersIDOverSubject(t *testing.T) {
	claims := &Claims{UserID: "explicit"}
	claims.Subject = "subject"
	assert.Equal(t, "explicit", claims.Principal().ID)

	claims.UserID = ""
	assert.Equal(t, "subject", claims.Principal().ID)
}

func TestExpiration(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "empty", token: "", wantErr: true},
		{name: "not a jwt", token: "abc.def", wantErr: true},
		{name: "valid", token: testutil.MintToken(testutil.TokenClaims{ID: "1"}, time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := Expiration(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
		})
	}
}

func TestMintDevToken(t *testing.T) {
	now := time.Now()
	token, principal, err := mintDevToken("", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "Developer", principal.Name)

	exp, err := Expiration(token)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), exp, time.Second)
}
