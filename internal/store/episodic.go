package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/familycore/famcore/internal/cit"
)

// EpisodicStore is the temporal event log (§4.5.1), keyed by
// (space, created_ts, id) with a secondary index by id. It is not
// append-only: UpsertTx on an existing id overwrites that row's content and
// feature columns in place, and a tombstone is a flag on the row.
type EpisodicStore struct {
	db *sql.DB
}

func NewEpisodicStore(db *sql.DB) *EpisodicStore { return &EpisodicStore{db: db} }

// UpsertTx inserts or updates a record inside an existing UoW transaction.
// Idempotent: keyed by record.Id; a content hash is stored alongside but is
// not used to detect duplicates.
func (s *EpisodicStore) UpsertTx(tx *sql.Tx, r *MemoryRecord) error {
	hash := contentHash(r)
	_, err := tx.Exec(`
		INSERT INTO episodic_events (
			id, family_id, space_id, author_user, author_device, author_role,
			created_ts, updated_ts, band, mls_group, content_type, content_text,
			content_structured, media_refs, keywords, tags, importance,
			visibility, retention_sec, emotion_valence, emotion_arousal,
			emotion_label, vector_clock, tombstoned, tombstone_at, content_hash,
			sync_pending, alias_of
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			updated_ts = excluded.updated_ts,
			band = MAX(episodic_events.band, excluded.band),
			content_text = excluded.content_text,
			content_structured = excluded.content_structured,
			media_refs = excluded.media_refs,
			keywords = excluded.keywords,
			tags = excluded.tags,
			importance = excluded.importance,
			emotion_valence = excluded.emotion_valence,
			emotion_arousal = excluded.emotion_arousal,
			emotion_label = excluded.emotion_label,
			vector_clock = excluded.vector_clock,
			tombstoned = excluded.tombstoned,
			tombstone_at = excluded.tombstone_at,
			content_hash = excluded.content_hash,
			sync_pending = excluded.sync_pending,
			alias_of = excluded.alias_of
	`,
		string(r.Id), string(r.FamilyId), string(r.SpaceId),
		string(r.Author.User), string(r.Author.Device), r.Author.Role,
		r.CreatedTs, r.UpdatedTs, int(r.Band), r.MLSGroup,
		r.Content.Type, r.Content.Text, encodeKV(r.Content.Structured), strings.Join(r.Content.MediaRefs, ","),
		strings.Join(r.Features.Keywords, ","), strings.Join(r.Features.Tags, ","), r.Features.Importance,
		r.Privacy.Visibility, int64(r.Privacy.Retention.Seconds()),
		r.Emotion.Valence, r.Emotion.Arousal, r.Emotion.Label,
		encodeVectorClock(r.VC), boolToInt(r.Tombstoned), r.TombstoneAt, hash,
		boolToInt(r.SyncPending), nullableString(string(r.AliasOf)),
	)
	return err
}

// MarkSyncPendingTx flags a record as having outbound SYN state it
// couldn't hand off to the outbox (§4.13 backpressure): the local write
// already committed, this only marks that a remote replica may be behind.
func (s *EpisodicStore) MarkSyncPendingTx(tx *sql.Tx, id cit.RecordId, pending bool) error {
	_, err := tx.Exec(`UPDATE episodic_events SET sync_pending = ? WHERE id = ?`, boolToInt(pending), string(id))
	return err
}

// UpsertAutoCommit upserts a record in its own single-statement
// transaction, for callers (WM session expiry, CNS promotion) that are not
// already inside a UoW-managed commit.
func (s *EpisodicStore) UpsertAutoCommit(ctx context.Context, r *MemoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.UpsertTx(tx, r); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TombstoneTx marks a record deleted (logical delete, honored by reads
// unless requested otherwise).
func (s *EpisodicStore) TombstoneTx(tx *sql.Tx, id cit.RecordId, at int64) error {
	_, err := tx.Exec(`UPDATE episodic_events SET tombstoned = 1, tombstone_at = ? WHERE id = ?`, at, string(id))
	return err
}

// UndoTombstoneTx clears the tombstone flag (within the AMBER undo window,
// enforced by the caller per §8 P6).
func (s *EpisodicStore) UndoTombstoneTx(tx *sql.Tx, id cit.RecordId) error {
	_, err := tx.Exec(`UPDATE episodic_events SET tombstoned = 0, tombstone_at = NULL WHERE id = ?`, string(id))
	return err
}

// Get returns a record by id, skipping tombstones unless includeTombstoned.
func (s *EpisodicStore) Get(ctx context.Context, id cit.RecordId, includeTombstoned bool) (*MemoryRecord, error) {
	q := `SELECT id, family_id, space_id, author_user, author_device, author_role,
		created_ts, updated_ts, band, mls_group, content_type, content_text,
		media_refs, keywords, tags, importance, visibility, retention_sec,
		emotion_valence, emotion_arousal, emotion_label, vector_clock,
		tombstoned, tombstone_at, sync_pending, alias_of
		FROM episodic_events WHERE id = ?`
	if !includeTombstoned {
		q += ` AND tombstoned = 0`
	}
	row := s.db.QueryRowContext(ctx, q, string(id))
	return scanRecord(row)
}

// GetTx is Get's in-transaction counterpart, for callers (SYN's apply path)
// that must read a record's current state as part of the same commit that
// may update it, rather than racing a separate connection.
func (s *EpisodicStore) GetTx(tx *sql.Tx, id cit.RecordId, includeTombstoned bool) (*MemoryRecord, error) {
	q := `SELECT id, family_id, space_id, author_user, author_device, author_role,
		created_ts, updated_ts, band, mls_group, content_type, content_text,
		media_refs, keywords, tags, importance, visibility, retention_sec,
		emotion_valence, emotion_arousal, emotion_label, vector_clock,
		tombstoned, tombstone_at, sync_pending, alias_of
		FROM episodic_events WHERE id = ?`
	if !includeTombstoned {
		q += ` AND tombstoned = 0`
	}
	row := tx.QueryRow(q, string(id))
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// RangeByTime returns records in [from, to] for a space, newest first.
func (s *EpisodicStore) RangeByTime(ctx context.Context, space cit.SpaceId, from, to int64, limit int) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, family_id, space_id, author_user, author_device, author_role,
		created_ts, updated_ts, band, mls_group, content_type, content_text,
		media_refs, keywords, tags, importance, visibility, retention_sec,
		emotion_valence, emotion_arousal, emotion_label, vector_clock,
		tombstoned, tombstone_at, sync_pending, alias_of
		FROM episodic_events
		WHERE space_id = ? AND created_ts BETWEEN ? AND ? AND tombstoned = 0
		ORDER BY created_ts DESC LIMIT ?`, string(space), from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByTags returns records in a space carrying any of the given tags.
func (s *EpisodicStore) ByTags(ctx context.Context, space cit.SpaceId, tags []string, limit int) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, family_id, space_id, author_user, author_device, author_role,
		created_ts, updated_ts, band, mls_group, content_type, content_text,
		media_refs, keywords, tags, importance, visibility, retention_sec,
		emotion_valence, emotion_arousal, emotion_label, vector_clock,
		tombstoned, tombstone_at, sync_pending, alias_of
		FROM episodic_events WHERE space_id = ? AND tombstoned = 0 ORDER BY created_ts DESC LIMIT ?`,
		string(space), limit*5)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[strings.ToLower(t)] = true
	}
	var out []*MemoryRecord
	for _, r := range all {
		for _, t := range r.Features.Tags {
			if want[strings.ToLower(t)] {
				out = append(out, r)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func scanRecord(row *sql.Row) (*MemoryRecord, error) {
	var r MemoryRecord
	var familyID, spaceID, authUser, authDevice, mediaRefs, keywords, tags, vc string
	var retentionSec int64
	var tombstoned, syncPending int
	var tombstoneAt sql.NullInt64
	var aliasOf sql.NullString
	err := row.Scan(
		(*string)(&r.Id), &familyID, &spaceID, &authUser, &authDevice, &r.Author.Role,
		&r.CreatedTs, &r.UpdatedTs, (*int)(bandPtr(&r.Band)), &r.MLSGroup, &r.Content.Type, &r.Content.Text,
		&mediaRefs, &keywords, &tags, &r.Features.Importance, &r.Privacy.Visibility, &retentionSec,
		&r.Emotion.Valence, &r.Emotion.Arousal, &r.Emotion.Label, &vc,
		&tombstoned, &tombstoneAt, &syncPending, &aliasOf,
	)
	if err != nil {
		return nil, err
	}
	r.FamilyId = cit.FamilyId(familyID)
	r.SpaceId = cit.SpaceId(spaceID)
	r.Author.User = cit.UserId(authUser)
	r.Author.Device = cit.DeviceId(authDevice)
	r.Content.MediaRefs = splitNonEmpty(mediaRefs)
	r.Features.Keywords = splitNonEmpty(keywords)
	r.Features.Tags = splitNonEmpty(tags)
	r.Privacy.Retention = secondsToDuration(retentionSec)
	r.VC = decodeVectorClock(vc)
	r.Tombstoned = tombstoned != 0
	if tombstoneAt.Valid {
		r.TombstoneAt = tombstoneAt.Int64
	}
	r.SyncPending = syncPending != 0
	if aliasOf.Valid {
		r.AliasOf = cit.RecordId(aliasOf.String)
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*MemoryRecord, error) {
	var out []*MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		var familyID, spaceID, authUser, authDevice, mediaRefs, keywords, tags, vc string
		var retentionSec int64
		var tombstoned, syncPending int
		var tombstoneAt sql.NullInt64
		var aliasOf sql.NullString
		err := rows.Scan(
			(*string)(&r.Id), &familyID, &spaceID, &authUser, &authDevice, &r.Author.Role,
			&r.CreatedTs, &r.UpdatedTs, (*int)(bandPtr(&r.Band)), &r.MLSGroup, &r.Content.Type, &r.Content.Text,
			&mediaRefs, &keywords, &tags, &r.Features.Importance, &r.Privacy.Visibility, &retentionSec,
			&r.Emotion.Valence, &r.Emotion.Arousal, &r.Emotion.Label, &vc,
			&tombstoned, &tombstoneAt, &syncPending, &aliasOf,
		)
		if err != nil {
			return nil, err
		}
		r.FamilyId = cit.FamilyId(familyID)
		r.SpaceId = cit.SpaceId(spaceID)
		r.Author.User = cit.UserId(authUser)
		r.Author.Device = cit.DeviceId(authDevice)
		r.Content.MediaRefs = splitNonEmpty(mediaRefs)
		r.Features.Keywords = splitNonEmpty(keywords)
		r.Features.Tags = splitNonEmpty(tags)
		r.Privacy.Retention = secondsToDuration(retentionSec)
		r.VC = decodeVectorClock(vc)
		r.Tombstoned = tombstoned != 0
		if tombstoneAt.Valid {
			r.TombstoneAt = tombstoneAt.Int64
		}
		r.SyncPending = syncPending != 0
		if aliasOf.Valid {
			r.AliasOf = cit.RecordId(aliasOf.String)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func bandPtr(b *cit.Band) *int { return (*int)(b) }

func contentHash(r *MemoryRecord) string {
	h := sha256.Sum256([]byte(string(r.SpaceId) + "|" + r.Content.Type + "|" + r.Content.Text))
	return hex.EncodeToString(h[:16])
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeKV(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	var parts []string
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s:%s", k, v))
	}
	return strings.Join(parts, ";")
}

func encodeVectorClock(vc cit.VectorClock) string {
	var parts []string
	for d, c := range vc {
		parts = append(parts, fmt.Sprintf("%s:%d", d, c))
	}
	return strings.Join(parts, ",")
}

func decodeVectorClock(s string) cit.VectorClock {
	vc := cit.NewVectorClock()
	if s == "" {
		return vc
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		var n uint64
		fmt.Sscanf(kv[1], "%d", &n)
		vc[cit.DeviceId(kv[0])] = n
	}
	return vc
}
