// Package participant maps internal participant identifiers (business
// partner numbers) to globally unique IRIs for the policy encoder.
package participant

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/mkanal/item-relationship-service/pkg/odrl"
	"github.com/mkanal/item-relationship-service/pkg/store"
)

// StaticMapper resolves identifiers from a fixed in-memory table.
type StaticMapper map[string]string

func (m StaticMapper) ToIRI(id string) (string, bool) {
	iri, ok := m[id]
	return iri, ok
}

// FromEnv builds a StaticMapper from PARTICIPANT_ID_MAP, a
// comma-separated list of id=iri pairs.
func FromEnv() StaticMapper {
	m := StaticMapper{}
	for _, pair := range strings.Split(os.Getenv("PARTICIPANT_ID_MAP"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		id := strings.TrimSpace(kv[0])
		iri := strings.TrimSpace(kv[1])
		if id != "" && iri != "" {
			m[id] = iri
		}
	}
	return m
}

// CachedMapper decorates another mapper with a cache. Lookups stay
// synchronous; a cache failure falls through to the wrapped mapper.
type CachedMapper struct {
	Next    odrl.ParticipantIDMapper
	Cache   store.Cache
	TTL     time.Duration
	Timeout time.Duration
}

func NewCachedMapper(next odrl.ParticipantIDMapper, cache store.Cache) *CachedMapper {
	return &CachedMapper{Next: next, Cache: cache, TTL: time.Hour, Timeout: 2 * time.Second}
}

func (m *CachedMapper) ToIRI(id string) (string, bool) {
	if m.Next == nil {
		return "", false
	}
	if m.Cache == nil {
		return m.Next.ToIRI(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout())
	defer cancel()

	key := "participant:" + id
	if iri, err := m.Cache.Get(ctx, key); err == nil && iri != "" {
		return iri, true
	}
	iri, ok := m.Next.ToIRI(id)
	if !ok {
		return "", false
	}
	_ = m.Cache.Set(ctx, key, iri, m.ttl())
	return iri, true
}

func (m *CachedMapper) ttl() time.Duration {
	if m.TTL <= 0 {
		return time.Hour
	}
	return m.TTL
}

func (m *CachedMapper) timeout() time.Duration {
	if m.Timeout <= 0 {
		return 2 * time.Second
	}
	return m.Timeout
}
