package main

import (
	"fmt"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/haileyok/azuread-oidc-golang/internal/helpers"
	"github.com/haileyok/azuread-oidc-golang/state"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	app := &cli.App{
		Name:    "Azure AD OIDC Helper",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateSessionSecret,
			runPruneStates,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateSessionSecret = &cli.Command{
	Name:  "generate-session-secret",
	Usage: "print a random key for signing session cookies",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "bytes",
			Value: 32,
		},
	},
	Action: func(cmd *cli.Context) error {
		if cmd.Int("bytes") < 16 {
			return fmt.Errorf("refusing to generate a secret shorter than 16 bytes")
		}

		secret, err := helpers.GenerateToken(cmd.Int("bytes"))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.App.Writer, secret)

		return nil
	},
}

var runPruneStates = &cli.Command{
	Name:  "prune-states",
	Usage: "delete login states that can no longer be used",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "db-path",
			Value:   "oidc-demo.db",
			EnvVars: []string{"DEMO_DB_PATH"},
		},
		&cli.DurationFlag{
			Name:    "ttl",
			Value:   state.DefaultTTL,
			EnvVars: []string{"OIDC_STATE_TIME_LIMIT"},
		},
	},
	Action: func(cmd *cli.Context) error {
		db, err := gorm.Open(sqlite.Open(cmd.String("db-path")), &gorm.Config{})
		if err != nil {
			return err
		}

		store, err := state.NewGormStore(db, state.WithTTL(cmd.Duration("ttl")))
		if err != nil {
			return err
		}

		start := time.Now()
		if err := store.Prune(cmd.Context); err != nil {
			return err
		}

		fmt.Fprintf(cmd.App.Writer, "pruned expired states in %s\n", time.Since(start).Round(time.Millisecond))

		return nil
	},
}
