//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_RequiresBearerToken(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"no token", func(*testing.T) string { return "" }},
		{"garbage token", func(*testing.T) string { return "not-a-jwt" }},
		{"expired token", func(t *testing.T) string {
			token, err := testApp.IssueToken("integration", -time.Minute)
			require.NoError(t, err)
			return token
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClientWithoutValidation()
			client.SetToken(tt.token(t))

			resp, err := client.GET("/api/v1/incidents")
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAuth_PublicEndpoints(t *testing.T) {
	client := newTestClientWithoutValidation()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", testutil.ReadBody(t, resp))
	}

	validated := testutil.NewClientWithValidator(testServer.URL, testValidator)
	validated.SetT(t)
	resp, err := validated.GET("/version")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
