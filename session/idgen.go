package session

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator mints unguessable ticket identifiers. Injectable so tests can
// produce deterministic ids.
type IDGenerator interface {
	SessionID() string
	DelegatedSessionID() string
	AccessID(proxied bool) string
}

// TicketIDGenerator produces CAS-style prefixed ids: TGT for sessions, PGT
// for delegated sessions, ST/PT for accesses.
type TicketIDGenerator struct{}

var _ IDGenerator = TicketIDGenerator{}

func (TicketIDGenerator) SessionID() string {
	return fmt.Sprintf("TGT-%s", uuid.NewString())
}

func (TicketIDGenerator) DelegatedSessionID() string {
	return fmt.Sprintf("PGT-%s", uuid.NewString())
}

func (TicketIDGenerator) AccessID(proxied bool) string {
	if proxied {
		return fmt.Sprintf("PT-%s", uuid.NewString())
	}
	return fmt.Sprintf("ST-%s", uuid.NewString())
}
