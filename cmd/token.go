package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/salon/internal/api/auth"
)

// TokenCommand issues an access token for local testing.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an access token for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User ID to put in the token subject",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "email",
				Usage: "Email claim",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}

			token, expiresAt, err := auth.NewTokenService(cfg.Auth.JWTSecret).CreateAccessToken(c.String("user"), c.String("email"))
			if err != nil {
				return fmt.Errorf("failed to create token: %w", err)
			}

			fmt.Println(token)
			fmt.Printf("Expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
}
