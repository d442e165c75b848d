package authentication

import (
	"context"

	"github.com/jrsteele09/go-cas-server/users"
	"github.com/pkg/errors"
)

// PasswordHandler resolves UserPasswordCredentials against the local user
// store.
type PasswordHandler struct {
	userRepo users.Repo
}

var _ Handler = (*PasswordHandler)(nil)

func NewPasswordHandler(userRepo users.Repo) (*PasswordHandler, error) {
	if userRepo == nil {
		return nil, errors.New("[NewPasswordHandler] user repo is required")
	}
	return &PasswordHandler{userRepo: userRepo}, nil
}

func (h *PasswordHandler) Name() string {
	return "password"
}

func (h *PasswordHandler) Supports(credential Credential) bool {
	_, ok := credential.(UserPasswordCredential)
	return ok
}

func (h *PasswordHandler) Authenticate(_ context.Context, credential Credential) (*Principal, error) {
	upc, ok := credential.(UserPasswordCredential)
	if !ok {
		return nil, NoHandlerErr
	}

	user, err := h.userRepo.GetByUsername(upc.Username)
	if err != nil {
		// Same failure as a wrong password so the response does not leak
		// which usernames exist.
		return nil, BadCredentialsErr
	}

	if user.Disabled {
		return nil, AccountDisabledErr
	}

	if !users.CheckPasswordHash(upc.Password, user.PasswordHash) {
		return nil, BadCredentialsErr
	}

	return &Principal{ID: user.Username, Attributes: user.Attributes}, nil
}
