package main

import (
	"github.com/labstack/echo/v4"
)

func (s *DemoServer) handleHome(e echo.Context) error {
	user, ok := currentUser(e)

	return e.Render(200, "home.html", map[string]any{
		"User":     user,
		"LoggedIn": ok,
	})
}

// enforcePrivacy sends anonymous visitors to the login page when the site is private.
func (s *DemoServer) enforcePrivacy(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		if !s.settings.EnforcePrivacy {
			return next(e)
		}

		switch e.Request().URL.Path {
		case "/login", "/login/start", "/logout", s.callbackPath:
			return next(e)
		}

		if _, ok := currentUser(e); ok {
			return next(e)
		}

		return e.Redirect(302, loginRedirect(e.Request().URL.RequestURI()))
	}
}
