package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gorilla/sessions"
	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/haileyok/azuread-oidc-golang/auth"
	"github.com/haileyok/azuread-oidc-golang/config"
	"github.com/haileyok/azuread-oidc-golang/identity"
	"github.com/haileyok/azuread-oidc-golang/state"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"
)

const sessionName = "session"

type DemoServer struct {
	e            *echo.Echo
	settings     config.Settings
	client       *oidc.Client
	orch         *auth.Orchestrator
	accounts     identity.AccountStore
	callbackPath string
	siteRoot     string
	logger       *slog.Logger
}

type DemoServerArgs struct {
	Settings     config.Settings
	DB           *gorm.DB
	States       state.Store
	SessionStore sessions.Store
	// Client replaces the client built from Settings, mostly for tests.
	Client *oidc.Client
	Logger *slog.Logger
}

func NewDemoServer(args DemoServerArgs) (*DemoServer, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	redirect, err := url.Parse(args.Settings.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	if redirect.Path == "" || redirect.Path == "/" {
		return nil, fmt.Errorf("redirect uri needs a dedicated callback path")
	}

	client := args.Client
	if client == nil {
		client, err = args.Settings.NewClient(args.Logger)
		if err != nil {
			return nil, err
		}
	}

	accounts, err := identity.NewGormStore(args.DB)
	if err != nil {
		return nil, err
	}

	validator := identity.NewValidator(args.Settings.IdentityKey, args.Settings.CreateIfDoesNotExist)

	binder, err := identity.NewBinder(identity.BinderArgs{
		Store:             accounts,
		Validator:         validator,
		LinkExisting:      args.Settings.LinkExistingUsers,
		MatchField:        args.Settings.MatchField(),
		NicknameKey:       args.Settings.NicknameKey,
		EmailFormat:       args.Settings.EmailFormat,
		DisplayNameFormat: args.Settings.DisplayNameFormat,
		Logger:            args.Logger,
	})
	if err != nil {
		return nil, err
	}

	binder.OnCreate(func(ctx context.Context, account *identity.LinkedAccount, claims oidc.Claims) {
		args.Logger.Info("welcome new user", "user_id", account.UserID, "username", account.Username)
	})

	orch, err := auth.NewOrchestrator(auth.OrchestratorArgs{
		Client:           client,
		States:           args.States,
		Validator:        validator,
		Binder:           binder,
		RedirectUserBack: args.Settings.RedirectUserBack,
		Logger:           args.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &DemoServer{
		e:            echo.New(),
		settings:     args.Settings,
		client:       client,
		orch:         orch,
		accounts:     accounts,
		callbackPath: redirect.EscapedPath(),
		siteRoot:     redirect.Scheme + "://" + redirect.Host + "/",
		logger:       args.Logger,
	}

	s.e.HideBanner = true
	s.e.Renderer = newRenderer()
	s.e.Use(slogecho.New(args.Logger))
	s.e.Use(session.Middleware(args.SessionStore))
	s.e.Use(s.enforcePrivacy)

	s.e.GET("/", s.handleHome)
	s.e.GET("/login", s.handleLogin)
	s.e.GET("/login/start", s.handleLoginStart)
	s.e.GET(s.callbackPath, s.handleCallback)
	s.e.GET("/logout", s.handleLogout)

	return s, nil
}
