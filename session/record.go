package session

import (
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
)

// Record is the serializable form of a session tree. Persistent stores keep
// one record per root session; delegated sessions nest inside it so a tree
// is always destroyed as a unit.
type Record struct {
	ID              string                          `json:"id"`
	ParentAccessID  string                          `json:"parentAccessId,omitempty"`
	Authentications []authentication.Authentication `json:"authentications"`
	Accesses        []AccessRecord                  `json:"accesses,omitempty"`
	Children        []Record                        `json:"children,omitempty"`
	Created         time.Time                       `json:"created"`
	LastUsed        time.Time                       `json:"lastUsed"`
	LongTerm        bool                            `json:"longTerm,omitempty"`
	Invalidated     bool                            `json:"invalidated,omitempty"`
}

// AccessRecord is the serializable form of an access.
type AccessRecord struct {
	ID                    string      `json:"id"`
	ResourceID            string      `json:"resourceId"`
	Protocol              string      `json:"protocol"`
	Proxied               bool        `json:"proxied,omitempty"`
	Created               time.Time   `json:"created"`
	Policy                UsagePolicy `json:"policy"`
	RemainingUses         int         `json:"remainingUses,omitempty"`
	Used                  bool        `json:"used,omitempty"`
	LocalSessionDestroyed bool        `json:"localSessionDestroyed,omitempty"`
	RequiresStorage       bool        `json:"requiresStorage,omitempty"`
}

// ToRecord snapshots the session tree for persistence.
func (s *Session) ToRecord() Record {
	s.mu.Lock()

	rec := Record{
		ID:              s.id,
		Authentications: append([]authentication.Authentication(nil), s.authentications...),
		Created:         s.created,
		LastUsed:        s.lastUsed,
		LongTerm:        s.longTerm,
		Invalidated:     s.invalidated,
	}
	if s.parent != nil {
		rec.ParentAccessID = s.parent.id
	}
	for _, access := range s.accesses {
		rec.Accesses = append(rec.Accesses, AccessRecord{
			ID:                    access.id,
			ResourceID:            access.resourceID,
			Protocol:              access.protocol,
			Proxied:               access.proxied,
			Created:               access.created,
			Policy:                access.policy,
			RemainingUses:         access.remainingUses,
			Used:                  access.used,
			LocalSessionDestroyed: access.localSessionDestroyed,
			RequiresStorage:       access.requiresStorage,
		})
	}
	children := make([]*Session, 0, len(s.children))
	for _, child := range s.children {
		children = append(children, child)
	}
	s.mu.Unlock()

	for _, child := range children {
		rec.Children = append(rec.Children, child.ToRecord())
	}
	return rec
}

// FromRecord rebuilds a session tree with live parent and owner links.
func FromRecord(cfg *Config, rec Record) *Session {
	return fromRecord(cfg, rec, nil)
}

func fromRecord(cfg *Config, rec Record, parent *Access) *Session {
	s := &Session{
		id:              rec.ID,
		parent:          parent,
		authentications: append([]authentication.Authentication(nil), rec.Authentications...),
		accesses:        make(map[string]*Access),
		children:        make(map[string]*Session),
		created:         rec.Created,
		lastUsed:        rec.LastUsed,
		longTerm:        rec.LongTerm,
		invalidated:     rec.Invalidated,
		cfg:             cfg,
	}

	for _, ar := range rec.Accesses {
		s.accesses[ar.ID] = &Access{
			id:                    ar.ID,
			resourceID:            ar.ResourceID,
			protocol:              ar.Protocol,
			proxied:               ar.Proxied,
			created:               ar.Created,
			policy:                ar.Policy,
			remainingUses:         ar.RemainingUses,
			used:                  ar.Used,
			localSessionDestroyed: ar.LocalSessionDestroyed,
			requiresStorage:       ar.RequiresStorage,
			owner:                 s,
		}
	}

	for _, childRec := range rec.Children {
		childParent := s.accesses[childRec.ParentAccessID]
		child := fromRecord(cfg, childRec, childParent)
		s.children[child.id] = child
	}

	return s
}
