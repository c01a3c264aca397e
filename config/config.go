// Package config reads the login settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/haileyok/azuread-oidc-golang/identity"
	"github.com/joho/godotenv"
)

const EnvPrefix = "OIDC_"

type LoginType string

const (
	LoginTypeButton LoginType = "button"
	LoginTypeAuto   LoginType = "auto"
)

// Settings is read once at startup and passed by value afterwards.
type Settings struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	Scope        string `env:"SCOPE" envDefault:"openid profile email"`

	EndpointLogin      string `env:"ENDPOINT_LOGIN"`
	EndpointToken      string `env:"ENDPOINT_TOKEN"`
	EndpointUserinfo   string `env:"ENDPOINT_USERINFO"`
	EndpointEndSession string `env:"ENDPOINT_END_SESSION"`
	EndpointJWKS       string `env:"ENDPOINT_JWKS"`
	Issuer             string `env:"ISSUER"`
	RedirectURI        string `env:"REDIRECT_URI"`

	IdentityKey          string `env:"IDENTITY_KEY" envDefault:"email"`
	NicknameKey          string `env:"NICKNAME_KEY" envDefault:"name"`
	EmailFormat          string `env:"EMAIL_FORMAT" envDefault:"{email}"`
	DisplayNameFormat    string `env:"DISPLAYNAME_FORMAT" envDefault:"{name}"`
	IdentifyWithUsername bool   `env:"IDENTIFY_WITH_USERNAME"`

	NoSSLVerify        bool          `env:"NO_SSLVERIFY"`
	HTTPRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"5s"`

	LinkExistingUsers    bool          `env:"LINK_EXISTING_USERS"`
	CreateIfDoesNotExist bool          `env:"CREATE_IF_DOES_NOT_EXIST" envDefault:"true"`
	EnforcePrivacy       bool          `env:"ENFORCE_PRIVACY"`
	RedirectUserBack     bool          `env:"REDIRECT_USER_BACK"`
	RedirectOnLogout     bool          `env:"REDIRECT_ON_LOGOUT" envDefault:"true"`
	StateTimeLimit       time.Duration `env:"STATE_TIME_LIMIT" envDefault:"180s"`
	UserinfoPrecedence   []string      `env:"USERINFO_PRECEDENCE" envSeparator:","`
	LoginType            LoginType     `env:"LOGIN_TYPE" envDefault:"button"`
}

// Load reads optional dotenv files, then the OIDC_ environment. Missing files are ignored.
func Load(files ...string) (Settings, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func (s Settings) Validate() error {
	var errs []error

	if s.ClientID == "" {
		errs = append(errs, fmt.Errorf("%sCLIENT_ID is required", EnvPrefix))
	}

	required := []struct{ name, value string }{
		{"ENDPOINT_LOGIN", s.EndpointLogin},
		{"ENDPOINT_TOKEN", s.EndpointToken},
		{"ENDPOINT_JWKS", s.EndpointJWKS},
		{"REDIRECT_URI", s.RedirectURI},
	}
	for _, r := range required {
		name, v := r.name, r.value
		if v == "" {
			errs = append(errs, fmt.Errorf("%s%s is required", EnvPrefix, name))
			continue
		}
		if _, err := url.ParseRequestURI(v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s is not a valid url: %w", EnvPrefix, name, err))
		}
	}

	if u, err := url.Parse(s.RedirectURI); err == nil && (u.RawQuery != "" || u.ForceQuery) {
		errs = append(errs, fmt.Errorf("%sREDIRECT_URI must not carry a query string", EnvPrefix))
	}

	if s.HTTPRequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sHTTP_REQUEST_TIMEOUT must be positive", EnvPrefix))
	}

	if s.StateTimeLimit <= 0 {
		errs = append(errs, fmt.Errorf("%sSTATE_TIME_LIMIT must be positive", EnvPrefix))
	}

	switch s.LoginType {
	case LoginTypeButton, LoginTypeAuto:
	default:
		errs = append(errs, fmt.Errorf("%sLOGIN_TYPE must be %q or %q", EnvPrefix, LoginTypeButton, LoginTypeAuto))
	}

	return errors.Join(errs...)
}

// MatchField is the local attribute used when linking existing users.
func (s Settings) MatchField() identity.MatchField {
	if s.IdentifyWithUsername {
		return identity.MatchUsername
	}
	return identity.MatchEmail
}

// NewClient builds the verifier and provider client described by s. Both share one
// bounded HTTP client.
func (s Settings) NewClient(logger *slog.Logger) (*oidc.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if s.NoSSLVerify {
		logger.Warn("tls certificate verification is disabled for provider requests")
	}
	if s.Issuer == "" {
		logger.Warn("id token issuer is not checked, set OIDC_ISSUER to enable it")
	}
	h := oidc.NewHTTPClient(s.HTTPRequestTimeout, s.NoSSLVerify)

	verifier, err := oidc.NewVerifier(oidc.VerifierArgs{
		H:        h,
		JwksUrl:  s.EndpointJWKS,
		Issuer:   s.Issuer,
		Audience: s.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create id token verifier: %w", err)
	}

	return oidc.NewClient(oidc.ClientArgs{
		H:                  h,
		ClientId:           s.ClientID,
		ClientSecret:       s.ClientSecret,
		Scope:              s.Scope,
		RedirectUri:        s.RedirectURI,
		LoginEndpoint:      s.EndpointLogin,
		TokenEndpoint:      s.EndpointToken,
		UserinfoEndpoint:   s.EndpointUserinfo,
		EndSessionEndpoint: s.EndpointEndSession,
		UserinfoPrecedence: s.UserinfoPrecedence,
		Verifier:           verifier,
		Logger:             logger,
	})
}
