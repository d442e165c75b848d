// Package services keeps the registry of relying parties allowed to use the
// authority. A service is identified by a URL pattern; anything that does
// not match is refused at grant time.
package services

import (
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

// RegisteredService is one relying-party entry.
type RegisteredService struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Pattern      string `json:"pattern" yaml:"pattern"` // regexp matched against the full service URL
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ProxyAllowed bool   `json:"proxyAllowed" yaml:"proxyAllowed"`
}

// Request is the slice of a service access request the registry consults.
type Request interface {
	ServiceID() string
}

// Manager decides whether a target service may use the authority.
type Manager interface {
	MatchesExistingService(request Request) bool
	FindService(serviceID string) *RegisteredService
}

type registeredEntry struct {
	service RegisteredService
	pattern *regexp.Regexp
}

// DefaultManager matches service URLs against registered patterns in
// registration order.
type DefaultManager struct {
	mu      sync.RWMutex
	entries []registeredEntry
}

var _ Manager = (*DefaultManager)(nil)

func NewManager(services ...RegisteredService) (*DefaultManager, error) {
	m := &DefaultManager{}
	for _, svc := range services {
		if err := m.Register(svc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register compiles and installs a service entry.
func (m *DefaultManager) Register(svc RegisteredService) error {
	pattern, err := regexp.Compile(svc.Pattern)
	if err != nil {
		return errors.Wrapf(err, "[services.Register] bad pattern for service %q", svc.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, registeredEntry{service: svc, pattern: pattern})
	return nil
}

func (m *DefaultManager) MatchesExistingService(request Request) bool {
	return m.FindService(request.ServiceID()) != nil
}

func (m *DefaultManager) FindService(serviceID string) *RegisteredService {
	if serviceID == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.entries {
		if !m.entries[i].service.Enabled {
			continue
		}
		if m.entries[i].pattern.MatchString(serviceID) {
			svc := m.entries[i].service
			return &svc
		}
	}
	return nil
}
