package oidc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	defaultJWKSCacheTTL   = time.Hour
	minJWKSRefetchBackoff = 30 * time.Second
	defaultClockSkew      = 2 * time.Minute
)

// Verifier checks id_token signatures against the provider JWKS and validates
// the iss, aud, exp and nbf claims.
type Verifier struct {
	h        *http.Client
	jwksURL  string
	issuer   string
	audience string
	skew     time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

type VerifierArgs struct {
	H        *http.Client
	JwksUrl  string
	Issuer   string
	Audience string
	Now      func() time.Time
}

func NewVerifier(args VerifierArgs) (*Verifier, error) {
	if args.JwksUrl == "" {
		return nil, fmt.Errorf("no jwks url provided")
	}

	if args.Audience == "" {
		return nil, fmt.Errorf("no audience provided")
	}

	if args.H == nil {
		args.H = NewHTTPClient(DefaultRequestTimeout, false)
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	return &Verifier{
		h:        args.H,
		jwksURL:  args.JwksUrl,
		issuer:   args.Issuer,
		audience: args.Audience,
		skew:     defaultClockSkew,
		cacheTTL: defaultJWKSCacheTTL,
		now:      args.Now,
	}, nil
}

// Verify validates raw against the cached key set. kid is the token header key id; an
// unknown kid triggers at most one refetch of the key set.
func (v *Verifier) Verify(ctx context.Context, raw, kid string) error {
	set, err := v.keySet(ctx, kid)
	if err != nil {
		return err
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	if _, err := jwt.Parse([]byte(raw), opts...); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidIDToken, err)
	}

	return nil
}

func (v *Verifier) keySet(ctx context.Context, kid string) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	stale := v.set == nil || now.Sub(v.fetchedAt) > v.cacheTTL
	if !stale && kid != "" {
		if _, ok := v.set.LookupKeyID(kid); !ok && now.Sub(v.fetchedAt) > minJWKSRefetchBackoff {
			stale = true
		}
	}

	if !stale {
		return v.set, nil
	}

	set, err := jwk.Fetch(ctx, v.jwksURL, jwk.WithHTTPClient(v.h))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("fetch jwks: %w", ErrRequestTimeout)
		}
		if v.set != nil {
			// keep verifying with the previous set when the refresh fails
			return v.set, nil
		}
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	v.set = set
	v.fetchedAt = now

	return set, nil
}
