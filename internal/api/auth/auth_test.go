package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAuth(t *testing.T, ts *TokenService, header, value string) (string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen string
	err := RequireAuth(ts)(func(c echo.Context) error {
		seen = UserID(c)
		return nil
	})(c)
	return seen, err
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	return he.Code
}

func TestRequireAuthHeaderMode(t *testing.T) {
	id, err := runAuth(t, nil, UserIDHeader, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "user-7", id)

	_, err = runAuth(t, nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestRequireAuthJWT(t *testing.T) {
	ts := NewTokenService("secret")
	token, expiresAt, err := ts.CreateAccessToken("user-9", "a@b.c")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	t.Run("valid token", func(t *testing.T) {
		id, err := runAuth(t, ts, "Authorization", "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "user-9", id)
	})

	t.Run("header mode is disabled", func(t *testing.T) {
		_, err := runAuth(t, ts, UserIDHeader, "user-9")
		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := runAuth(t, NewTokenService("other"), "Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	})

	t.Run("malformed header", func(t *testing.T) {
		_, err := runAuth(t, ts, "Authorization", "Token "+token)
		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	})

	t.Run("expired", func(t *testing.T) {
		short := NewTokenService("secret")
		short.AccessTokenDuration = -time.Minute
		expired, _, err := short.CreateAccessToken("user-9", "")
		require.NoError(t, err)
		_, err = ts.ValidateAccessToken(expired)
		assert.Error(t, err)
	})
}

func TestCreateAccessTokenRequiresUser(t *testing.T) {
	_, _, err := NewTokenService("s").CreateAccessToken(" ", "")
	assert.Error(t, err)
}
