package authentication

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenVerifier checks the signature and claims of a raw ID token. Satisfied
// by *oidc.IDTokenVerifier and by fakes in tests.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCHandler accepts ID tokens minted by an upstream identity provider,
// letting the authority federate logins instead of checking passwords
// locally. The front-end drives the auth-code dance with the provider and
// hands the resulting ID token in as an OIDCTokenCredential.
type OIDCHandler struct {
	verifier    TokenVerifier
	oauthConfig oauth2.Config
}

var _ Handler = (*OIDCHandler)(nil)

// NewOIDCHandler discovers the provider's configuration from its issuer URL.
func NewOIDCHandler(ctx context.Context, issuer string, oauthConfig oauth2.Config) (*OIDCHandler, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[NewOIDCHandler] provider discovery")
	}

	if oauthConfig.Endpoint.AuthURL == "" {
		oauthConfig.Endpoint = provider.Endpoint()
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: oauthConfig.ClientID})
	return NewOIDCHandlerWithVerifier(verifier, oauthConfig)
}

// NewOIDCHandlerWithVerifier wires an explicit verifier, bypassing
// discovery. Used by tests and deployments with pinned provider keys.
func NewOIDCHandlerWithVerifier(verifier TokenVerifier, oauthConfig oauth2.Config) (*OIDCHandler, error) {
	if verifier == nil {
		return nil, errors.New("[NewOIDCHandlerWithVerifier] verifier is required")
	}
	return &OIDCHandler{verifier: verifier, oauthConfig: oauthConfig}, nil
}

func (h *OIDCHandler) Name() string {
	return "oidc"
}

func (h *OIDCHandler) Supports(credential Credential) bool {
	_, ok := credential.(OIDCTokenCredential)
	return ok
}

// AuthCodeURL builds the provider redirect the front-end sends the browser
// to. The nonce round-trips through the provider into the ID token.
func (h *OIDCHandler) AuthCodeURL(state, nonce string) string {
	return h.oauthConfig.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange swaps an authorization code for the provider's token set and
// pulls out the raw ID token.
func (h *OIDCHandler) Exchange(ctx context.Context, code string) (string, error) {
	oauth2Token, err := h.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "[OIDCHandler.Exchange] token exchange failed")
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return "", errors.New("[OIDCHandler.Exchange] no ID token in response")
	}
	return rawIDToken, nil
}

func (h *OIDCHandler) Authenticate(ctx context.Context, credential Credential) (*Principal, error) {
	otc, ok := credential.(OIDCTokenCredential)
	if !ok {
		return nil, NoHandlerErr
	}

	idToken, err := h.verifier.Verify(ctx, otc.RawIDToken)
	if err != nil {
		return nil, errors.Wrap(BadCredentialsErr, err.Error())
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Sub == "" {
		claims.Sub = idToken.Subject
	}
	if claims.Sub == "" {
		return nil, errors.Wrap(BadCredentialsErr, "token carries no subject")
	}

	attributes := make(map[string][]string)
	if claims.Email != "" {
		attributes["email"] = []string{claims.Email}
	}
	if claims.Name != "" {
		attributes["name"] = []string{claims.Name}
	}

	return &Principal{ID: claims.Sub, Attributes: attributes}, nil
}
