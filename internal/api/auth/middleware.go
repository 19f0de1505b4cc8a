package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequireAuth resolves the request owner. With a token service it demands
// a Bearer JWT; without one it trusts the User-Id header.
func RequireAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var userID string

			if tokenService == nil {
				userID = strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
				if userID == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "User-Id header required")
				}
			} else {
				authHeader := c.Request().Header.Get("Authorization")
				if authHeader == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
				}

				tokenParts := strings.Split(authHeader, " ")
				if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
				}

				id, err := tokenService.ValidateAccessToken(tokenParts[1])
				if err != nil {
					zerolog.Ctx(c.Request().Context()).Debug().Err(err).Msg("Rejected access token")
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
				}
				userID = id
			}

			c.Set(string(UserContextKey), userID)

			req := c.Request()
			ctx := zerolog.Ctx(req.Context()).With().Str("user_id", userID).Logger().WithContext(req.Context())
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
