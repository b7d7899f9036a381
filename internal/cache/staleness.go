package cache

import (
	"time"

	"github.com/objectfs/tiercache/pkg/types"
)

// StalenessPolicy decides whether a cached value is fresh. A stale value is
// still served; staleness only schedules a refresh and never deletes.
type StalenessPolicy struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Classify returns Fresh while the entry is younger than StaleAfter and
// Stale otherwise. A zero StaleAfter makes every value stale, so each read
// revalidates.
func (p StalenessPolicy) Classify(entry types.Entry, now time.Time) types.Freshness {
	if entry.Age(now) < p.StaleAfter {
		return types.Fresh
	}
	return types.Stale
}

// Policies maps namespaces to staleness policies.
type Policies struct {
	Default    StalenessPolicy
	Namespaces map[string]StalenessPolicy
}

// For returns the policy of namespace, falling back to Default.
func (p Policies) For(namespace string) StalenessPolicy {
	if policy, ok := p.Namespaces[namespace]; ok {
		return policy
	}
	return p.Default
}
