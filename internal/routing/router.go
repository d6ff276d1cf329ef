// Package routing picks the storage destination a replayed command is queued to.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ErrNoDestinations is returned when no active destination is configured.
var ErrNoDestinations = errors.New("no active storage destinations")

// ErrInvalidDestination is returned for duplicate names or non-positive weights.
var ErrInvalidDestination = errors.New("invalid storage destination")

// Destination is one weighted storage target.
type Destination struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

// bucket is the slice [start, end) of the weight space owned by a destination.
type bucket struct {
	name       string
	start, end uint64
}

func (b bucket) contains(v uint64) bool {
	return v >= b.start && v < b.end
}

// Router maps command identities onto destinations proportionally to their weights.
// The mapping is stable for a fixed destination set.
type Router struct {
	dests   []Destination
	buckets []bucket
	total   uint64
}

// NewRouter validates dests and builds the weight layout. When active is non-empty only
// those destinations receive traffic.
func NewRouter(dests []Destination, active []string) (*Router, error) {
	if len(dests) == 0 {
		return nil, ErrNoDestinations
	}

	sorted := make([]Destination, len(dests))
	copy(sorted, dests)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	for i, d := range sorted {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidDestination)
		}
		if d.Weight <= 0 {
			return nil, fmt.Errorf("%w: %q has weight %d", ErrInvalidDestination, d.Name, d.Weight)
		}
		if i > 0 && sorted[i-1].Name == d.Name {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidDestination, d.Name)
		}
	}

	isActive := make(map[string]bool)
	for _, name := range active {
		isActive[name] = true
	}

	r := &Router{dests: sorted}
	for _, d := range sorted {
		if len(active) > 0 && !isActive[d.Name] {
			continue
		}
		r.buckets = append(r.buckets, bucket{name: d.Name, start: r.total, end: r.total + uint64(d.Weight)})
		r.total += uint64(d.Weight)
	}
	if r.total == 0 {
		return nil, ErrNoDestinations
	}
	return r, nil
}

// Select returns the destination for key (a command ID).
func (r *Router) Select(key string) string {
	v := xxhash.Sum64String(key) % r.total
	for _, b := range r.buckets {
		if b.contains(v) {
			return b.name
		}
	}
	// unreachable: buckets cover [0, total)
	return r.buckets[len(r.buckets)-1].name
}

// Destinations returns every configured destination, sorted by name.
func (r *Router) Destinations() []Destination {
	return r.dests
}
