package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/sessions"
	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/haileyok/azuread-oidc-golang/auth"
	"github.com/haileyok/azuread-oidc-golang/config"
	"github.com/haileyok/azuread-oidc-golang/identity"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

// echoSession logs the user into the demo's cookie session.
type echoSession struct {
	e echo.Context
}

func (s echoSession) EstablishSession(ctx context.Context, account *identity.LinkedAccount) error {
	sess, err := session.Get(sessionName, s.e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["user_id"] = account.UserID
	sess.Values["username"] = account.Username
	sess.Values["display_name"] = account.DisplayName

	return sess.Save(s.e.Request(), s.e.Response())
}

func (s *DemoServer) handleLogin(e echo.Context) error {
	if _, ok := currentUser(e); ok {
		return e.Redirect(302, "/")
	}

	returnTo := e.QueryParam("return_to")

	if s.settings.LoginType == config.LoginTypeAuto {
		return s.startLogin(e, returnTo)
	}

	return e.Render(200, "login.html", map[string]any{
		"ReturnTo": returnTo,
		"Error":    e.QueryParam("e"),
	})
}

func (s *DemoServer) handleLoginStart(e echo.Context) error {
	return s.startLogin(e, e.QueryParam("return_to"))
}

func (s *DemoServer) startLogin(e echo.Context, returnTo string) error {
	authURL, err := s.orch.Start(e.Request().Context(), returnTo)
	if err != nil {
		s.logger.Error("could not start login", "error", err)
		return s.renderError(e, err)
	}

	return e.Redirect(302, authURL)
}

func (s *DemoServer) handleCallback(e echo.Context) error {
	params := auth.CallbackParamsFromQuery(e.QueryParams())

	res, err := s.orch.HandleCallback(e.Request().Context(), params, echoSession{e: e})
	if err != nil {
		return s.renderError(e, err)
	}

	return e.Redirect(302, res.RedirectTo)
}

func (s *DemoServer) handleLogout(e echo.Context) error {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	if s.settings.RedirectOnLogout {
		endSession, err := s.client.EndSessionURL(s.siteRoot)
		if err != nil {
			s.logger.Warn("could not build end session url", "error", err)
		} else if endSession != "" {
			return e.Redirect(302, endSession)
		}
	}

	return e.Redirect(302, "/")
}

func (s *DemoServer) renderError(e echo.Context, err error) error {
	return e.Render(statusFor(err), "error.html", map[string]any{
		"Message": auth.UserMessage(err),
	})
}

func statusFor(err error) int {
	var (
		tokenErr    *oidc.TokenExchangeError
		userinfoErr *oidc.UserinfoError
	)

	switch {
	case errors.Is(err, oidc.ErrInvalidState), errors.Is(err, oidc.ErrExpiredState),
		errors.Is(err, oidc.ErrAuthorizationDenied):
		return http.StatusBadRequest
	case errors.Is(err, oidc.ErrLoginNotAuthorized), errors.Is(err, oidc.ErrAccountCreationNotAuthorized),
		errors.Is(err, oidc.ErrRedirectVetoed):
		return http.StatusForbidden
	case errors.Is(err, oidc.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &tokenErr), errors.As(err, &userinfoErr),
		errors.Is(err, oidc.ErrInvalidIDToken), errors.Is(err, oidc.ErrMalformedIDToken),
		errors.Is(err, oidc.ErrSubjectMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type sessionUser struct {
	ID          int64
	Username    string
	DisplayName string
}

func currentUser(e echo.Context) (*sessionUser, bool) {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return nil, false
	}

	id, ok := sess.Values["user_id"].(int64)
	if !ok {
		return nil, false
	}

	username, _ := sess.Values["username"].(string)
	displayName, _ := sess.Values["display_name"].(string)

	return &sessionUser{ID: id, Username: username, DisplayName: displayName}, true
}

func loginRedirect(returnTo string) string {
	if returnTo == "" || returnTo == "/" {
		return "/login"
	}
	return fmt.Sprintf("/login?return_to=%s", url.QueryEscape(returnTo))
}
