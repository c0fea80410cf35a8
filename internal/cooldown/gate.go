// Package cooldown tracks per-scope delivery timestamps and decides whether
// a candidate item may be delivered to a scope.
package cooldown

import (
	"sync"
	"time"

	"feedwarden/internal/domain"
)

// Gate keeps the last delivered item timestamp per scope. All methods are
// safe for concurrent use; RecordDelivery for the same scope never moves the
// marker backward.
type Gate struct {
	mu       sync.Mutex
	lastSent map[domain.Scope]time.Time
}

func New() *Gate {
	return &Gate{lastSent: make(map[domain.Scope]time.Time)}
}

// Load seeds the gate from persisted delivery states at process start.
func (g *Gate) Load(states []domain.DeliveryState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, state := range states {
		if state.LastItemSent.After(g.lastSent[state.Scope]) {
			g.lastSent[state.Scope] = state.LastItemSent
		}
	}
}

// Eligible reports whether an item published at itemTime may be delivered to
// the scope now. Two conditions must hold: the item is newer than the last
// delivered one, and at least cooldown has elapsed since that delivery. A
// scope the gate has never seen is eligible; Seed is expected to have run at
// subscription time so missing state only happens after a lost database.
func (g *Gate) Eligible(
	scope domain.Scope,
	cooldown time.Duration,
	itemTime time.Time,
	now time.Time,
) bool {
	g.mu.Lock()
	last, ok := g.lastSent[scope]
	g.mu.Unlock()

	if !ok {
		return true
	}

	if !itemTime.After(last) {
		return false
	}

	return now.Sub(last) >= cooldown
}

// RecordDelivery advances the scope marker to max(current, itemTime) and
// returns the resulting marker.
func (g *Gate) RecordDelivery(scope domain.Scope, itemTime time.Time) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	last := g.lastSent[scope]
	if itemTime.After(last) {
		last = itemTime
		g.lastSent[scope] = last
	}

	return last
}

// Seed sets the scope marker at subscription time so that only items
// published strictly after the subscription are ever delivered. It never
// lowers an existing marker.
func (g *Gate) Seed(scope domain.Scope, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.After(g.lastSent[scope]) {
		g.lastSent[scope] = now
	}
}

// LastSent returns the scope marker, if any.
func (g *Gate) LastSent(scope domain.Scope) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.lastSent[scope]

	return last, ok
}

// Drop removes the scope state after an unsubscribe.
func (g *Gate) Drop(scope domain.Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.lastSent, scope)
}

// DropSubscriber removes every scope owned by the subscriber.
func (g *Gate) DropSubscriber(subscriberID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for scope := range g.lastSent {
		if scope.SubscriberID == subscriberID {
			delete(g.lastSent, scope)
		}
	}
}
