package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/salon/internal/database"
	"github.com/salon/internal/jobqueue"
)

// MigrateCommand creates the conversation tables and the job queue tables.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			db, err := database.NewDB(c.Context, database.Options{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(c.Context, db); err != nil {
				return err
			}
			if err := jobqueue.Migrate(c.Context, cfg.Database.URL); err != nil {
				return err
			}

			fmt.Println("Migrations applied")
			return nil
		},
	}
}
