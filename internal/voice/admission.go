package voice

import (
	"sync"
	"time"
)

// Tier is an operating regime selected by crowd size. Larger crowds get
// lower concurrency, longer cooldowns and wider staggers so a single
// endpoint stays stable while a burst of peers negotiates.
type Tier struct {
	Name           string
	MaxPeers       int
	Concurrent     int
	Cooldown       time.Duration
	StaggerBase    time.Duration
	StaggerPerPeer time.Duration
}

var tiers = []Tier{
	{Name: "small", MaxPeers: 10, Concurrent: 2, Cooldown: 1000 * time.Millisecond, StaggerBase: 300 * time.Millisecond, StaggerPerPeer: 200 * time.Millisecond},
	{Name: "medium", MaxPeers: 25, Concurrent: 2, Cooldown: 1500 * time.Millisecond, StaggerBase: 800 * time.Millisecond, StaggerPerPeer: 400 * time.Millisecond},
	{Name: "large", MaxPeers: 50, Concurrent: 1, Cooldown: 2000 * time.Millisecond, StaggerBase: 1500 * time.Millisecond, StaggerPerPeer: 600 * time.Millisecond},
	{Name: "massive", MaxPeers: 100, Concurrent: 1, Cooldown: 3000 * time.Millisecond, StaggerBase: 2500 * time.Millisecond, StaggerPerPeer: 800 * time.Millisecond},
}

// tierFor selects the regime for the current load (connected peers plus
// queued admissions).
func tierFor(load int) Tier {
	for _, t := range tiers {
		if load <= t.MaxPeers {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// admissionQueue is the FIFO of peers awaiting negotiation, with per-peer
// cooldown stamps and the in-flight negotiation counter. A peer ID occurs
// at most once in the queue.
type admissionQueue struct {
	mu        sync.Mutex
	order     []string
	queued    map[string]bool
	cooldowns map[string]time.Time
	active    int
}

func newAdmissionQueue() *admissionQueue {
	return &admissionQueue{
		queued:    make(map[string]bool),
		cooldowns: make(map[string]time.Time),
	}
}

// Push enqueues a peer, refusing duplicates.
func (q *admissionQueue) Push(peerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[peerID] {
		return false
	}
	q.queued[peerID] = true
	q.order = append(q.order, peerID)
	return true
}

// Pop dequeues the oldest peer, or "" when empty.
func (q *admissionQueue) Pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return ""
	}
	peerID := q.order[0]
	q.order = q.order[1:]
	delete(q.queued, peerID)
	return peerID
}

// Remove drops a peer from the queue if present.
func (q *admissionQueue) Remove(peerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[peerID] {
		return
	}
	delete(q.queued, peerID)
	for i, id := range q.order {
		if id == peerID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether a peer is queued.
func (q *admissionQueue) Contains(peerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[peerID]
}

// Len returns the queue depth.
func (q *admissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Clear empties the queue, keeping cooldown stamps.
func (q *admissionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.queued = make(map[string]bool)
}

// OnCooldown reports whether a peer's cooldown is still running at now.
func (q *admissionQueue) OnCooldown(peerID string, now time.Time, cooldown time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	last, ok := q.cooldowns[peerID]
	if !ok {
		return false
	}
	return now.Sub(last) < cooldown
}

// StampCooldown records an attempt for a peer. Stamps never move backwards.
func (q *admissionQueue) StampCooldown(peerID string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if last, ok := q.cooldowns[peerID]; ok && last.After(now) {
		return
	}
	q.cooldowns[peerID] = now
}

// ClearCooldown forgets a peer's stamp (used on clean departures).
func (q *admissionQueue) ClearCooldown(peerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cooldowns, peerID)
}

// Active returns the in-flight negotiation count.
func (q *admissionQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// IncActive increments the in-flight counter.
func (q *admissionQueue) IncActive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active++
}

// DecActive decrements the in-flight counter, never below zero.
func (q *admissionQueue) DecActive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	}
}
