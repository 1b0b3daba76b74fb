package auth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
)

// Capability is a named permission carried by a principal.
type Capability string

const (
	// CapabilityIngestion allows submitting uploads and reading one's own jobs.
	CapabilityIngestion Capability = "ingestion"
	// CapabilityIngestionAdmin allows reading any submitter's jobs.
	CapabilityIngestionAdmin Capability = "ingestion-admin"
)

// elevatedRoles carry both capabilities.
var elevatedRoles = map[string]bool{
	"MANAGER":    true,
	"OPERATIONS": true,
}

// Principal is the authenticated caller.
type Principal struct {
	UserID       uuid.UUID
	Capabilities map[Capability]bool
}

// NewPrincipal builds a principal from explicit capabilities and role names.
func NewPrincipal(userID uuid.UUID, capabilities []string, roles []string) Principal {
	p := Principal{UserID: userID, Capabilities: map[Capability]bool{}}
	for _, c := range capabilities {
		if c = strings.TrimSpace(c); c != "" {
			p.Capabilities[Capability(c)] = true
		}
	}
	for _, role := range roles {
		if elevatedRoles[strings.ToUpper(strings.TrimSpace(role))] {
			p.Capabilities[CapabilityIngestion] = true
			p.Capabilities[CapabilityIngestionAdmin] = true
		}
	}
	return p
}

// Has reports whether the principal holds c.
func (p Principal) Has(c Capability) bool {
	return p.Capabilities[c]
}

// Require returns a forbidden request error unless the principal holds c.
func (p Principal) Require(c Capability) error {
	if p.UserID == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	if !p.Has(c) {
		return domain.NewRequestError(domain.ErrForbidden, "missing %q capability", c)
	}
	return nil
}

// CanView reports whether the principal may read a job submitted by submitterID.
func (p Principal) CanView(submitterID uuid.UUID) bool {
	return p.UserID != uuid.Nil && (p.UserID == submitterID || p.Has(CapabilityIngestionAdmin))
}

// String is used in logs.
func (p Principal) String() string {
	caps := make([]string, 0, len(p.Capabilities))
	for c, ok := range p.Capabilities {
		if ok {
			caps = append(caps, string(c))
		}
	}
	sort.Strings(caps)
	return fmt.Sprintf("%s%v", p.UserID, caps)
}
