package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/familycore/famcore/internal/corerr"
)

// SpaceStores is the single UoW-facing handle onto the six stores backing
// one space, plus its prospective-trigger and sync tables (§4.5, §4.6): one sqlite database, one *sql.Tx boundary, no
// cross-store two-phase commit required.
type SpaceStores struct {
	DB          *sql.DB
	Episodic    *EpisodicStore
	Semantic    *SemanticStore
	Vector      *VectorStore
	KG          *KGStore
	FTS         *FTSStore
	Hippocampus *HippocampalStore
	Prospective *ProspectiveStore
	Sync        *SyncStore
}

// OpenSpaceStores opens (or creates) the database backing a space and
// wires all eight store participants onto it.
func OpenSpaceStores(path string, vectorDim int) (*SpaceStores, error) {
	db, err := OpenSpaceDB(path)
	if err != nil {
		return nil, err
	}
	return &SpaceStores{
		DB:          db,
		Episodic:    NewEpisodicStore(db),
		Semantic:    NewSemanticStore(db),
		Vector:      NewVectorStore(db, vectorDim),
		KG:          NewKGStore(db),
		FTS:         NewFTSStore(db),
		Hippocampus: NewHippocampalStore(db),
		Prospective: NewProspectiveStore(db),
		Sync:        NewSyncStore(db),
	}, nil
}

func (s *SpaceStores) Close() error { return s.DB.Close() }

// WithTx runs fn inside a single transaction spanning every store
// participant, committing on success and rolling back (surfacing the
// original error, not a masked commit failure) otherwise. This is the
// transactional boundary the Unit of Work builds its fanout on.
//
// If the transaction cannot be cleanly rolled back after fn fails, or Commit
// itself fails, atomicity is genuinely in doubt — WithTx reports that case
// as corerr.KindUowPanic so the caller can lock the space read-only (§4.6
// PartialCommitError) rather than treating it as an ordinary op error.
func (s *SpaceStores) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return corerr.Wrap(corerr.KindUowPanic, "rollback failed after op error", fmt.Errorf("op error: %v, rollback error: %w", err, rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return corerr.Wrap(corerr.KindUowPanic, "commit failed", err)
	}
	return nil
}
