package authentication

import (
	"net/url"
	"time"
)

// Credential is a marker for anything a principal can present to prove who
// they are. Concrete credential types are matched to handlers via
// Handler.Supports.
type Credential interface {
	credential()
}

// UserPasswordCredential carries a username and plaintext password.
type UserPasswordCredential struct {
	Username string
	Password string
}

func (UserPasswordCredential) credential() {}

// URLCredential identifies a relying service by a callback URL. Used when a
// service requests delegation: the authority proves the endpoint is reachable
// over HTTPS before handing it a delegated session.
type URLCredential struct {
	URL *url.URL
}

func (URLCredential) credential() {}

// OIDCTokenCredential carries a raw ID token minted by an upstream identity
// provider. Verified against the provider's signing keys.
type OIDCTokenCredential struct {
	RawIDToken string
}

func (OIDCTokenCredential) credential() {}

// Principal is the authenticated identity. Immutable once minted by a
// handler.
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Equals compares principals by id.
func (p *Principal) Equals(other *Principal) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID
}

// Authentication records a single successful credential resolution. A session
// accumulates one per login or forced re-authentication.
type Authentication struct {
	Principal  *Principal          `json:"principal"`
	Instant    time.Time           `json:"instant"`
	Method     string              `json:"method"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	LongTerm   bool                `json:"longTerm,omitempty"`
}
