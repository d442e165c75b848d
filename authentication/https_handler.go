package authentication

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultEndpointTimeout = 5 * time.Second

var InsecureEndpointErr = errors.New("endpoint is not https")

// HTTPSEndpointHandler authorises a URLCredential by probing the endpoint.
// The TLS handshake carried out by the client does the actual heavy lifting;
// this handler is only concerned with requiring the https scheme and getting
// a response back before the deadline.
type HTTPSEndpointHandler struct {
	client        *http.Client
	requireSecure bool
}

var _ Handler = (*HTTPSEndpointHandler)(nil)

// HTTPSEndpointOption defines a function type to modify the handler.
type HTTPSEndpointOption func(*HTTPSEndpointHandler)

// WithHTTPClient swaps the probing client (primarily for testing).
func WithHTTPClient(client *http.Client) HTTPSEndpointOption {
	return func(h *HTTPSEndpointHandler) {
		h.client = client
	}
}

// WithRequireSecure controls whether plain http endpoints are rejected.
// Default is true.
func WithRequireSecure(require bool) HTTPSEndpointOption {
	return func(h *HTTPSEndpointHandler) {
		h.requireSecure = require
	}
}

func NewHTTPSEndpointHandler(options ...HTTPSEndpointOption) *HTTPSEndpointHandler {
	h := &HTTPSEndpointHandler{
		client:        &http.Client{Timeout: defaultEndpointTimeout},
		requireSecure: true,
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

func (h *HTTPSEndpointHandler) Name() string {
	return "https-endpoint"
}

func (h *HTTPSEndpointHandler) Supports(credential Credential) bool {
	_, ok := credential.(URLCredential)
	return ok
}

func (h *HTTPSEndpointHandler) Authenticate(ctx context.Context, credential Credential) (*Principal, error) {
	uc, ok := credential.(URLCredential)
	if !ok || uc.URL == nil {
		return nil, NoHandlerErr
	}

	if h.requireSecure && uc.URL.Scheme != "https" {
		return nil, InsecureEndpointErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.URL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPSEndpointHandler.Authenticate] building probe request")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPSEndpointHandler.Authenticate] endpoint unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errors.Errorf("[HTTPSEndpointHandler.Authenticate] endpoint returned %d", resp.StatusCode)
	}

	return &Principal{ID: uc.URL.String()}, nil
}
