package license

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Tier is a subscription level. Higher tiers include lower ones.
type Tier int

const (
	TierFree Tier = iota
	TierStandard
	TierPremium
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier name
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return TierFree, nil
	case "standard":
		return TierStandard, nil
	case "premium":
		return TierPremium, nil
	default:
		return TierFree, fmt.Errorf("unknown entitlement tier %q", s)
	}
}

// RequiredTier returns the lowest tier that may request quality under licenseType
func RequiredTier(quality Quality, licenseType Type) Tier {
	if quality == QualityLossless || licenseType == TypePremium {
		return TierPremium
	}
	return TierFree
}

// Entitlement is a user's subscription state
type Entitlement struct {
	UserID string `json:"userId"`
	Tier   Tier   `json:"tier"`
	Active bool   `json:"active"`
}

// Entitlements resolves a user's subscription before the authority is contacted
type Entitlements interface {
	Entitlement(ctx context.Context, userID string) (Entitlement, error)
}

// StaticEntitlements serves entitlements from a fixed table with a default
// tier for unknown users.
type StaticEntitlements struct {
	mu          sync.RWMutex
	defaultTier Tier
	users       map[string]Entitlement
}

// NewStaticEntitlements creates a table with active entitlements for users
func NewStaticEntitlements(defaultTier Tier, users map[string]Tier) *StaticEntitlements {
	s := &StaticEntitlements{
		defaultTier: defaultTier,
		users:       make(map[string]Entitlement, len(users)),
	}
	for id, tier := range users {
		s.users[id] = Entitlement{UserID: id, Tier: tier, Active: true}
	}
	return s
}

// ParseStaticEntitlements builds a table from tier names. A user mapped to
// "inactive" has no active entitlement.
func ParseStaticEntitlements(defaultTier string, users map[string]string) (*StaticEntitlements, error) {
	def, err := ParseTier(defaultTier)
	if err != nil {
		return nil, err
	}

	s := NewStaticEntitlements(def, nil)
	for id, name := range users {
		if strings.EqualFold(strings.TrimSpace(name), "inactive") {
			s.Set(Entitlement{UserID: id, Tier: TierFree, Active: false})
			continue
		}
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		s.Set(Entitlement{UserID: id, Tier: tier, Active: true})
	}
	return s, nil
}

// Entitlement implements Entitlements
func (s *StaticEntitlements) Entitlement(_ context.Context, userID string) (Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.users[userID]; ok {
		return e, nil
	}
	return Entitlement{UserID: userID, Tier: s.defaultTier, Active: true}, nil
}

// Set stores e for its user
func (s *StaticEntitlements) Set(e Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[e.UserID] = e
}
