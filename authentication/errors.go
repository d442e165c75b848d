package authentication

import "github.com/pkg/errors"

var (
	NoHandlerErr       = errors.New("no handler supports the credential")
	BadCredentialsErr  = errors.New("credentials could not be verified")
	AccountDisabledErr = errors.New("account disabled")
)
