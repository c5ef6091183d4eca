package brainsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync/clock"
)

const presenceConsumer = "presence"

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	StatusAvailable PresenceStatus = "available"
	StatusAway      PresenceStatus = "away"
	StatusBusy      PresenceStatus = "busy"
	StatusOffline   PresenceStatus = "offline"
)

// PresenceUpdate is the body of presence:update.
type PresenceUpdate struct {
	UserID        string         `json:"userId"`
	IsOnline      bool           `json:"isOnline"`
	Status        PresenceStatus `json:"status,omitempty"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	LastSeenAt    *time.Time     `json:"lastSeenAt,omitempty"`
}

// PresenceRecord is the normalized presence of one user. LastSeenAt is set
// only while the user is offline.
type PresenceRecord struct {
	UserID        string
	IsOnline      bool
	Status        PresenceStatus
	StatusMessage string
	LastSeenAt    *time.Time
}

// Patch writes the record's presence fields into u.
func (r PresenceRecord) Patch(u *UserSummary) {
	u.IsOnline = r.IsOnline
	u.Status = r.Status
	u.StatusMessage = r.StatusMessage
	if r.LastSeenAt != nil {
		t := *r.LastSeenAt
		u.LastSeenAt = &t
	} else {
		u.LastSeenAt = nil
	}
}

// PresenceSink is a read-side cache that displays user state. ApplyPresence
// patches every entry whose id matches and returns how many it touched.
type PresenceSink interface {
	ApplyPresence(rec PresenceRecord) int
}

// PresenceSinkFunc adapts a function to PresenceSink.
type PresenceSinkFunc func(rec PresenceRecord) int

func (f PresenceSinkFunc) ApplyPresence(rec PresenceRecord) int { return f(rec) }

// PresenceTracker is the process-wide presence cache. Records are created
// by presence:update or by the first lookup, and survive disconnects.
type PresenceTracker struct {
	manager *Manager
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	records map[string]PresenceRecord
	sinks   []PresenceSink
	unsub   func()
}

// NewPresenceTracker creates a tracker that fans every update out to sinks.
func NewPresenceTracker(m *Manager, sinks ...PresenceSink) *PresenceTracker {
	return &PresenceTracker{
		manager: m,
		clock:   m.Clock(),
		logger:  m.Logger().Named("presence"),
		records: make(map[string]PresenceRecord),
		sinks:   sinks,
	}
}

// Start subscribes to presence:update.
func (p *PresenceTracker) Start() {
	unsub := SubscribeJSON(p.manager.Registry(), presenceConsumer, EventPresenceUpdate, func(u PresenceUpdate) {
		p.Apply(u)
	})
	p.mu.Lock()
	p.unsub = unsub
	p.mu.Unlock()
}

// Stop unsubscribes. Cached records are kept.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// AddSink registers another read-side cache.
func (p *PresenceTracker) AddSink(s PresenceSink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// IsOnline reports the last known online state of userID.
func (p *PresenceTracker) IsOnline(userID string) bool {
	return p.Presence(userID).IsOnline
}

// Presence returns the record for userID. Unknown users get a default
// offline record, which is kept from then on.
func (p *PresenceTracker) Presence(userID string) PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		rec = PresenceRecord{UserID: userID, Status: StatusOffline}
		p.records[userID] = rec
	}
	return rec
}

// Snapshot returns a copy of every known record.
func (p *PresenceTracker) Snapshot() map[string]PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PresenceRecord, len(p.records))
	for id, rec := range p.records {
		out[id] = rec
	}
	return out
}

// Apply normalizes u, replaces the user's record and propagates it to every
// sink. Updates without a user id are ignored.
func (p *PresenceTracker) Apply(u PresenceUpdate) PresenceRecord {
	if u.UserID == "" {
		return PresenceRecord{}
	}
	rec := p.normalize(u)

	p.mu.Lock()
	p.records[u.UserID] = rec
	sinks := append([]PresenceSink(nil), p.sinks...)
	p.mu.Unlock()

	touched := 0
	for _, s := range sinks {
		touched += p.applySink(s, rec)
	}
	p.logger.Debug("presence updated",
		zap.String("user", rec.UserID),
		zap.Bool("online", rec.IsOnline),
		zap.Int("entries", touched))
	return rec
}

func (p *PresenceTracker) normalize(u PresenceUpdate) PresenceRecord {
	rec := PresenceRecord{
		UserID:        u.UserID,
		IsOnline:      u.IsOnline,
		StatusMessage: u.StatusMessage,
	}
	if u.IsOnline {
		rec.Status = u.Status
		if rec.Status == "" || rec.Status == StatusOffline {
			rec.Status = StatusAvailable
		}
		return rec
	}
	rec.Status = StatusOffline
	seen := p.clock.Now()
	if u.LastSeenAt != nil {
		seen = *u.LastSeenAt
	}
	rec.LastSeenAt = &seen
	return rec
}

func (p *PresenceTracker) applySink(s PresenceSink, rec PresenceRecord) (n int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("presence sink panicked", zap.String("user", rec.UserID), zap.Any("panic", r))
			n = 0
		}
	}()
	return s.ApplyPresence(rec)
}
