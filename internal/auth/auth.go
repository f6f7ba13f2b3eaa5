// Package auth resolves a caller's API key to its account bundle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"zengateway/internal/account"
	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/routing"
)

// KeyParser extracts the caller key from request headers. An empty result
// means no key was supplied.
type KeyParser func(http.Header) string

// ParseBearerOrAPIKey reads "Authorization: Bearer <key>", then x-api-key.
func ParseBearerOrAPIKey(h http.Header) string {
	const prefix = "Bearer "
	if v := h.Get("Authorization"); len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return strings.TrimSpace(h.Get("x-api-key"))
}

// KeyLookup is the ledger read the authenticator needs.
type KeyLookup interface {
	LookupKey(ctx context.Context, secret, model, provider string) (*account.KeyBundle, error)
}

// Info is the authenticated caller. A nil *Info is an anonymous caller.
type Info struct {
	APIKeyID    string
	WorkspaceID string
	UserID      string
	Billing     account.Billing
	User        account.User
	// ProviderCredentials is the workspace's own upstream key (BYOK).
	ProviderCredentials string
	IsFree              bool
	ModelAccess         account.ModelAccess
}

// BYOK reports whether the workspace brings its own provider key.
func (i *Info) BYOK() bool {
	return i != nil && i.ProviderCredentials != ""
}

// Unbilled reports whether calls by this caller skip metering: anonymous,
// free-listed or BYOK.
func (i *Info) Unbilled() bool {
	return i == nil || i.IsFree || i.BYOK()
}

// Authenticator resolves keys against the ledger.
type Authenticator struct {
	store KeyLookup
	parse KeyParser
	free  map[string]struct{}
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithKeyParser replaces the default header extraction.
func WithKeyParser(p KeyParser) Option {
	return func(a *Authenticator) { a.parse = p }
}

// New creates an authenticator. freeWorkspaces are never charged.
func New(store KeyLookup, freeWorkspaces []string, opts ...Option) *Authenticator {
	a := &Authenticator{
		store: store,
		parse: ParseBearerOrAPIKey,
		free:  make(map[string]struct{}, len(freeWorkspaces)),
	}
	for _, id := range freeWorkspaces {
		a.free[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns nil, nil for an anonymous caller on a model that
// allows it.
func (a *Authenticator) Authenticate(ctx context.Context, h http.Header, model *catalog.Model, providerID string) (*Info, error) {
	key := a.parse(h)
	if key == "" {
		if model.AllowAnonymous {
			return nil, nil
		}
		return nil, core.NewAuthError("Missing API key.")
	}

	kb, err := a.store.LookupKey(ctx, key, model.ID, providerID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, core.NewAuthError("Invalid API key.")
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating key: %w", err)
	}

	_, free := a.free[kb.WorkspaceID]
	return &Info{
		APIKeyID:            kb.KeyID,
		WorkspaceID:         kb.WorkspaceID,
		UserID:              kb.UserID,
		Billing:             kb.Billing,
		User:                kb.User,
		ProviderCredentials: kb.ProviderCredentials,
		IsFree:              free,
		ModelAccess:         kb.ModelAccess,
	}, nil
}

// CheckModelAccess rejects models the workspace has disabled.
func CheckModelAccess(info *Info) error {
	if info != nil && info.ModelAccess == account.ModelDisabled {
		return core.NewModelError("Model is disabled")
	}
	return nil
}

// ApplyBYOK swaps the gateway's provider key for the workspace's own.
func ApplyBYOK(info *Info, sel *routing.Selection) {
	if info.BYOK() {
		sel.Provider.APIKey = info.ProviderCredentials
	}
}
