package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/haileyok/azuread-oidc-golang/config"
	"github.com/haileyok/azuread-oidc-golang/state"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	app := &cli.App{
		Name:    "azuread-oidc-demo",
		Usage:   "example site that logs users in with Azure AD",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":7070",
				EnvVars: []string{"DEMO_ADDR"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "oidc-demo.db",
				EnvVars: []string{"DEMO_DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "share login states through redis instead of the database",
				EnvVars: []string{"DEMO_REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:     "session-secret",
				Usage:    "cookie signing key, see `helper generate-session-secret`",
				Required: true,
				EnvVars:  []string{"DEMO_SESSION_SECRET"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return err
	}

	db, err := gorm.Open(sqlite.Open(cmd.String("db-path")), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	states, err := openStateStore(cmd.Context, cmd.String("redis-addr"), db, settings, logger)
	if err != nil {
		return err
	}

	s, err := NewDemoServer(DemoServerArgs{
		Settings:     settings,
		DB:           db,
		States:       states,
		SessionStore: sessions.NewCookieStore([]byte(cmd.String("session-secret"))),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpd := http.Server{
		Addr:              cmd.String("addr"),
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting http server", "addr", httpd.Addr, "version", versioninfo.Short())

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}

func openStateStore(ctx context.Context, redisAddr string, db *gorm.DB, settings config.Settings, logger *slog.Logger) (state.Store, error) {
	opts := []state.Option{
		state.WithTTL(settings.StateTimeLimit),
		state.WithLogger(logger),
	}

	if redisAddr == "" {
		store, err := state.NewGormStore(db, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("could not reach redis at %s: %w", redisAddr, err)
	}

	return state.NewRedisStore(rdb, opts...), nil
}
