package session

import "time"

// UsagePolicy tags how many validations an access survives.
type UsagePolicy string

const (
	// SelfValidating accesses carry their proof inline; validate never
	// changes state.
	SelfValidating UsagePolicy = "self-validating"

	// BoundedUses accesses allow a fixed number of validations, then fail
	// with TokenUsedErr.
	BoundedUses UsagePolicy = "bounded-uses"

	// LogoutOnly accesses are never validated; they exist so the relying
	// party is notified on cascade logout.
	LogoutOnly UsagePolicy = "logout-only"
)

// AccessProfile binds a protocol tag to the usage semantics of the accesses
// granted for it.
type AccessProfile struct {
	Policy          UsagePolicy
	Uses            int
	RequiresStorage bool
}

// Config carries the collaborators every session in a store shares. Stores
// hand the same Config to sessions they create or rehydrate.
type Config struct {
	SessionPolicy ExpirationPolicy
	AccessPolicy  ExpirationPolicy
	IDs           IDGenerator
	Notifier      LogoutNotifier
	NowFunc       func() time.Time
	Profiles      map[string]AccessProfile
}

// ConfigOption defines a function type to modify the Config instance.
type ConfigOption func(*Config)

func WithSessionPolicy(policy ExpirationPolicy) ConfigOption {
	return func(c *Config) { c.SessionPolicy = policy }
}

func WithAccessPolicy(policy ExpirationPolicy) ConfigOption {
	return func(c *Config) { c.AccessPolicy = policy }
}

func WithIDGenerator(ids IDGenerator) ConfigOption {
	return func(c *Config) { c.IDs = ids }
}

func WithNotifier(notifier LogoutNotifier) ConfigOption {
	return func(c *Config) { c.Notifier = notifier }
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ConfigOption {
	return func(c *Config) { c.NowFunc = now }
}

func WithProfile(protocol string, profile AccessProfile) ConfigOption {
	return func(c *Config) { c.Profiles[protocol] = profile }
}

// NewConfig builds a Config with CAS-shaped defaults: eight-hour sliding
// sessions (thirty days for remember-me), ten-second one-shot service
// tickets, uuid ticket ids and no-op logout notification.
func NewConfig(options ...ConfigOption) *Config {
	c := &Config{
		SessionPolicy: LongTermSelector{
			Standard: SlidingWindow{Idle: 8 * time.Hour},
			LongTerm: HardTimeout{TTL: 30 * 24 * time.Hour},
		},
		AccessPolicy: HardTimeout{TTL: 10 * time.Second},
		IDs:          TicketIDGenerator{},
		Notifier:     NopNotifier{},
		NowFunc:      time.Now,
		Profiles: map[string]AccessProfile{
			ProtocolCAS1: {Policy: BoundedUses, Uses: 1, RequiresStorage: true},
			ProtocolCAS2: {Policy: BoundedUses, Uses: 1, RequiresStorage: true},
			ProtocolJWT:  {Policy: SelfValidating, RequiresStorage: false},
		},
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Protocol tags understood out of the box. Anything else falls back to the
// CAS2 profile.
const (
	ProtocolCAS1 = "cas1"
	ProtocolCAS2 = "cas2"
	ProtocolJWT  = "jwt"
)

func (c *Config) profileFor(protocol string) AccessProfile {
	if profile, ok := c.Profiles[protocol]; ok {
		return profile
	}
	return c.Profiles[ProtocolCAS2]
}
