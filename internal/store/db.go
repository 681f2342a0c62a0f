package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

func secondsToDuration(s int64) time.Duration { return time.Duration(s) * time.Second }

// OpenSpaceDB opens (creating if necessary) the sqlite database backing one
// space's store set, with the same pragma string internal/timeline/
// service.go uses: WAL journal mode, a busy timeout, and foreign keys on.
func OpenSpaceDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open space db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS episodic_events (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			space_id TEXT NOT NULL,
			author_user TEXT,
			author_device TEXT,
			author_role TEXT,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL,
			band INTEGER NOT NULL,
			mls_group TEXT,
			content_type TEXT,
			content_text TEXT,
			content_structured TEXT,
			media_refs TEXT,
			keywords TEXT,
			tags TEXT,
			importance REAL,
			visibility TEXT,
			retention_sec INTEGER,
			emotion_valence REAL,
			emotion_arousal REAL,
			emotion_label TEXT,
			vector_clock TEXT,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			tombstone_at INTEGER,
			content_hash TEXT,
			sync_pending INTEGER NOT NULL DEFAULT 0,
			alias_of TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_space_ts ON episodic_events(space_id, created_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_author ON episodic_events(author_user)`,

		`CREATE TABLE IF NOT EXISTS semantic_assertions (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_records TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE(subject, predicate)
		)`,

		`CREATE TABLE IF NOT EXISTS vector_entries (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			vector BLOB NOT NULL,
			meta TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_record ON vector_entries(record_id)`,

		`CREATE TABLE IF NOT EXISTS kg_edges (
			id TEXT PRIMARY KEY,
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			type TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			provenance TEXT,
			tombstoned INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kg_src ON kg_edges(src, type)`,
		`CREATE INDEX IF NOT EXISTS idx_kg_dst ON kg_edges(dst, type)`,

		`CREATE TABLE IF NOT EXISTS fts_docs (
			record_id TEXT PRIMARY KEY,
			tokens TEXT NOT NULL,
			positions TEXT,
			language TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS hippocampal_traces (
			trace_id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			dg_code BLOB,
			ca3_assoc TEXT,
			ca1_time_hint INTEGER,
			consolidated INTEGER NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hip_created ON hippocampal_traces(created_ts)`,

		// Receipts live in the same per-space database as the stores they
		// describe so a UoW commit can append a receipt inside the very
		// transaction that mutates the stores (§4.6's "every commit
		// produces a Receipt" is otherwise only eventually-atomic).
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			record_ids TEXT NOT NULL,
			actor TEXT NOT NULL,
			ts INTEGER NOT NULL,
			decision TEXT NOT NULL,
			obligations_applied TEXT,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_seq ON receipts(seq)`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			client_op_id TEXT PRIMARY KEY,
			receipt_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			created_ts INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS prospective_triggers (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			context_predicate TEXT,
			payload_ref TEXT NOT NULL,
			state TEXT NOT NULL,
			next_eval_ts INTEGER NOT NULL,
			fired_epoch INTEGER NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prospective_due ON prospective_triggers(space_id, next_eval_ts)`,

		// SYN (§4.13): bounded outbox of sealed-pending ops, a buffer for ops
		// whose causal predecessors haven't arrived yet, and per-field CRDT
		// state (LWW register writer+clock, OR-Set tagged elements, and
		// PN-counter per-device positive/negative parts).
		`CREATE TABLE IF NOT EXISTS sync_outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_ts INTEGER NOT NULL,
			drained INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_drained ON sync_outbox(drained, seq)`,

		`CREATE TABLE IF NOT EXISTS sync_pending_ops (
			op_id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			vc_before TEXT,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			received_ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_record ON sync_pending_ops(record_id)`,

		`CREATE TABLE IF NOT EXISTS sync_field_state (
			record_id TEXT NOT NULL,
			field TEXT NOT NULL,
			vc TEXT,
			writer TEXT,
			PRIMARY KEY(record_id, field)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_orset_elements (
			record_id TEXT NOT NULL,
			field TEXT NOT NULL,
			element TEXT NOT NULL,
			add_tag TEXT NOT NULL,
			removed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(record_id, field, add_tag)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_pncounters (
			record_id TEXT NOT NULL,
			field TEXT NOT NULL,
			device_id TEXT NOT NULL,
			pos INTEGER NOT NULL DEFAULT 0,
			neg INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(record_id, field, device_id)
		)`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	return nil
}
