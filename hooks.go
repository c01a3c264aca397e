package oidc

import (
	"context"
	"net/http"
	"net/url"
)

// Operation names passed to request alterers.
type Operation string

const (
	OpAuthorize    Operation = "authorize"
	OpTokenRequest Operation = "get-authentication-token"
	OpUserinfo     Operation = "get-userinfo"
)

// OutboundRequest is the mutable view of a provider request handed to alterers.
// For OpAuthorize only Params is used; they become the authorization URL query.
type OutboundRequest struct {
	Params url.Values
	Header http.Header
}

// RequestAlterer may add or change parameters and headers before a provider request is sent.
type RequestAlterer func(ctx context.Context, op Operation, req *OutboundRequest)

// AuthURLFilter receives the composed authorization URL and returns the one to use.
// Returning an empty string keeps the incoming value.
type AuthURLFilter func(ctx context.Context, authURL string) string

type hooks struct {
	alterers   []RequestAlterer
	urlFilters []AuthURLFilter
}

// AddRequestAlterer registers an alterer. Alterers run in registration order.
func (c *Client) AddRequestAlterer(fn RequestAlterer) {
	c.hooks.alterers = append(c.hooks.alterers, fn)
}

// AddAuthURLFilter registers an authorization URL override. Filters run in registration order,
// each seeing the previous filter's result.
func (c *Client) AddAuthURLFilter(fn AuthURLFilter) {
	c.hooks.urlFilters = append(c.hooks.urlFilters, fn)
}

func (h *hooks) alter(ctx context.Context, op Operation, req *OutboundRequest) {
	for _, fn := range h.alterers {
		fn(ctx, op, req)
	}
}

func (h *hooks) filterAuthURL(ctx context.Context, authURL string) string {
	for _, fn := range h.urlFilters {
		if out := fn(ctx, authURL); out != "" {
			authURL = out
		}
	}
	return authURL
}
