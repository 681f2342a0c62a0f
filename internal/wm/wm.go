// Package wm implements Working Memory (§4.8): a capacity-bounded,
// per-session buffer with priority-aware eviction, a coherence tracker over
// live items' tags, and idle-timeout session expiry that snapshots state to
// the episodic store. Persistence style (upsert-by-key, resource-scoped
// rows) is grounded on internal/memory/working.go, generalized from a flat
// string blob into scored, evictable items.
package wm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/store"
)

const (
	DefaultCapacity = 12
	MinCapacity     = 5
	MaxCapacity     = 20

	DefaultIdleTimeout = 30 * time.Minute
)

// Item is one admitted working-memory entry (§4.8).
type Item struct {
	RecordId              cit.RecordId
	Salience              float64
	Confidence            float64
	AccessRate            float64
	ThemeAlignment        float64
	CoherenceContribution float64
	Tags                  []string
	DoNotEvict            bool

	AdmittedAt time.Time
	LastAccess time.Time
	Accesses   int

	// Actor and Device identify the item's admitting participant. Only
	// consulted on the session's first Admit, to stamp the session's own
	// immutable actor/device (§3 Session); later admits into the same
	// session carry these for provenance but never change the session.
	Actor  cit.UserId
	Device cit.DeviceId
}

// ActiveContext is wm.session.get(session_id)'s result (§6.1): a session's
// immutable identity plus a snapshot of its current live items.
type ActiveContext struct {
	SessionId string
	Actor     cit.UserId
	Device    cit.DeviceId
	StartedAt time.Time
	Items     []Item
}

// session is one bounded buffer, guarded by the parent Store's mutex.
// actor/device/startTs are set once, from the item that creates the
// session, and never change afterward (§3 Session invariant).
type session struct {
	capacity     int
	items        map[cit.RecordId]*Item
	lastActivity time.Time
	idleTimeout  time.Duration

	actor   cit.UserId
	device  cit.DeviceId
	startTs time.Time
}

// Store holds all live sessions. now is overridable in tests.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	episodic *store.EpisodicStore
	now      func() time.Time
}

func New(episodic *store.EpisodicStore) *Store {
	return &Store{sessions: make(map[string]*session), episodic: episodic, now: time.Now}
}

func clampCapacity(c int) int {
	if c <= 0 {
		return DefaultCapacity
	}
	if c < MinCapacity {
		return MinCapacity
	}
	if c > MaxCapacity {
		return MaxCapacity
	}
	return c
}

func (s *Store) sessionFor(id string, capacity int, actor cit.UserId, device cit.DeviceId, now time.Time) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			capacity:    clampCapacity(capacity),
			items:       make(map[cit.RecordId]*Item),
			idleTimeout: DefaultIdleTimeout,
			actor:       actor,
			device:      device,
			startTs:     now,
		}
		s.sessions[id] = sess
	}
	return sess
}

// Admit adds item to sessionID's buffer, evicting lower-priority items if
// the session is at capacity. If eviction cannot make room without
// removing a protected (do_not_evict) item, Admit denies instead (§4.8).
func (s *Store) Admit(sessionID string, capacity int, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item.AdmittedAt = now
	item.LastAccess = now

	sess := s.sessionFor(sessionID, capacity, item.Actor, item.Device, now)
	sess.lastActivity = now

	if _, exists := sess.items[item.RecordId]; exists {
		sess.items[item.RecordId] = &item
		return nil
	}

	if len(sess.items) >= sess.capacity {
		if !s.makeRoom(sess, now) {
			return corerr.New(corerr.KindBackpressure, "working memory at capacity, no evictable item")
		}
	}

	sess.items[item.RecordId] = &item
	return nil
}

// makeRoom evicts the single highest-E unprotected item, if any exists.
func (s *Store) makeRoom(sess *session, now time.Time) bool {
	var worst cit.RecordId
	var worstE float64
	found := false

	for id, it := range sess.items {
		if it.DoNotEvict {
			continue
		}
		e := evictionScore(it, now)
		if !found || e > worstE {
			worst, worstE, found = id, e, true
		}
	}
	if !found {
		return false
	}
	delete(sess.items, worst)
	return true
}

// evictionScore computes E per §4.8's seven-term weighted formula.
func evictionScore(it *Item, now time.Time) float64 {
	hoursSinceAccess := now.Sub(it.LastAccess).Hours()
	hoursSinceAdmit := now.Sub(it.AdmittedAt).Hours()
	return 0.3*hoursSinceAccess +
		0.2*hoursSinceAdmit +
		0.2*(1-it.Salience) +
		0.1*(1-it.Confidence) +
		0.1*(1-it.AccessRate) +
		0.05*(1-it.ThemeAlignment) +
		0.05*(1-it.CoherenceContribution)
}

// Touch records an access, refreshing recency for eviction scoring.
func (s *Store) Touch(sessionID string, recordID cit.RecordId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	now := s.now()
	sess.lastActivity = now
	if it, ok := sess.items[recordID]; ok {
		it.LastAccess = now
		it.Accesses++
	}
}

// Query returns a copy of sessionID's live items matching filter (nil
// admits all), ordered by descending salience.
func (s *Store) Query(sessionID string, filter func(Item) bool) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []Item
	for _, it := range sess.items {
		if filter == nil || filter(*it) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Salience > out[j].Salience })
	return out
}

// ActiveContext implements wm.session.get(session_id) -> ActiveContext
// (§6.1): the session's immutable actor/device/start_ts plus its live
// items, ordered by descending salience same as Query.
func (s *Store) ActiveContext(sessionID string) (ActiveContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ActiveContext{}, corerr.New(corerr.KindNotFound, "session not found")
	}

	items := make([]Item, 0, len(sess.items))
	for _, it := range sess.items {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Salience > items[j].Salience })

	return ActiveContext{
		SessionId: sessionID,
		Actor:     sess.actor,
		Device:    sess.device,
		StartedAt: sess.startTs,
		Items:     items,
	}, nil
}

// Evict removes recordID from sessionID explicitly (operator/CNS-driven,
// bypassing the scored eviction path).
func (s *Store) Evict(sessionID string, recordID cit.RecordId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		delete(sess.items, recordID)
	}
}

// Coherence reports the session's dominant-theme coherence score in [0,1]:
// the fraction of items carrying the most frequent tag among live items.
func (s *Store) Coherence(sessionID string) (score float64, topTags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.items) == 0 {
		return 0, nil
	}

	freq := map[string]int{}
	for _, it := range sess.items {
		for _, t := range it.Tags {
			freq[t]++
		}
	}
	if len(freq) == 0 {
		return 0, nil
	}

	tags := make([]string, 0, len(freq))
	for t := range freq {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if freq[tags[i]] != freq[tags[j]] {
			return freq[tags[i]] > freq[tags[j]]
		}
		return tags[i] < tags[j]
	})

	const topK = 3
	if len(tags) > topK {
		tags = tags[:topK]
	}
	return float64(freq[tags[0]]) / float64(len(sess.items)), tags
}

// ExpireIdle scans all sessions and snapshots+clears any whose idle_timeout
// has elapsed, returning the ids expired.
func (s *Store) ExpireIdle(ctx context.Context, fam cit.FamilyId, space cit.SpaceId) ([]string, error) {
	s.mu.Lock()
	now := s.now()
	var expired []string
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActivity) >= sess.idleTimeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.snapshotAndClear(ctx, id, fam, space, now); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (s *Store) snapshotAndClear(ctx context.Context, sessionID string, fam cit.FamilyId, space cit.SpaceId, now time.Time) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ids := make([]cit.RecordId, 0, len(sess.items))
	for id := range sess.items {
		ids = append(ids, id)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rec := &store.MemoryRecord{
		Id:        cit.NewRecordId(),
		FamilyId:  fam,
		SpaceId:   space,
		CreatedTs: now.UnixMilli(),
		UpdatedTs: now.UnixMilli(),
		Content: store.Content{
			Type: "wm_snapshot",
			Text: sessionID,
		},
		Features: store.Features{
			Keywords: recordIDStrings(ids),
		},
		VC: cit.NewVectorClock(),
	}

	return s.episodic.UpsertAutoCommit(ctx, rec)
}

func recordIDStrings(ids []cit.RecordId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
