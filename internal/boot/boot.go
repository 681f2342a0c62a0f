// Package boot wires a loaded config.Config into one running App: the
// explicit dependency DAG described in §9 (device identity → PDP/ATG →
// write/read pipelines → sync engine → background runners), built once at
// startup rather than discovered by global state. Grounded on
// internal/scheduler/scheduler.go's Scheduler for the background tick loop
// (file-lock single-instance guard, per-category semaphore, ticker-driven
// dispatch), generalized from agent-message dispatch to per-space
// consolidation/prospective passes.
package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/atg"
	"github.com/familycore/famcore/internal/bus"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/config"
	"github.com/familycore/famcore/internal/consolidation"
	"github.com/familycore/famcore/internal/kgm"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/prospective"
	"github.com/familycore/famcore/internal/rp"
	"github.com/familycore/famcore/internal/scheduler"
	"github.com/familycore/famcore/internal/store"
	"github.com/familycore/famcore/internal/syn"
	"github.com/familycore/famcore/internal/wm"
	"github.com/familycore/famcore/internal/wp"
	"github.com/rs/zerolog"
)

// App is the fully wired runtime: one instance per process, holding every
// long-lived component and the per-space store cache they share.
type App struct {
	Config *config.Config
	Hooks  obs.Hooks

	Device cit.DeviceId
	Keys   *kgm.Manager
	PDP    *pdp.Engine
	Gate   *atg.Gate
	Bus    *bus.Bus
	Sync   *syn.Engine
	Read   *rp.Pipeline
	Write  *wp.Pipeline

	Prospective *prospective.Runner
	Consolidate *consolidation.Runner

	mu     sync.Mutex
	spaces map[cit.SpaceId]*store.SpaceStores
	wms    map[cit.SpaceId]*wm.Store

	sched *scheduler.Scheduler
}

// New builds every component from cfg and opens the shared event bus and
// key manager. Per-space stores are opened lazily by StoresFor, not here:
// the set of spaces isn't known until a caller names one.
func New(cfg *config.Config) (*App, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("boot: data dir: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.KeyStateDir); err != nil {
		return nil, fmt.Errorf("boot: key state dir: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
	hooks := obs.NewZerologHooks(logger)

	keys := kgm.New(cfg.Paths.KeyStateDir)
	device, err := resolveDeviceId(cfg.Paths.KeyStateDir)
	if err != nil {
		return nil, fmt.Errorf("boot: device id: %w", err)
	}
	if _, err := keys.GetOrCreateDeviceIdentity(device); err != nil {
		return nil, fmt.Errorf("boot: device identity: %w", err)
	}

	pdpEngine := pdp.NewEngine(time.Duration(cfg.PDP.CacheTTLSec) * time.Second).SetModelVersion(cfg.Policy.ModelVersion)
	gate := atg.NewGate(hooks).SetThresholdBase(cfg.ATG.ThresholdBase)

	b, err := bus.Open(filepath.Join(cfg.Paths.DataDir, "bus.db"), cfg.BUS.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("boot: bus: %w", err)
	}

	app := &App{
		Config: cfg,
		Hooks:  hooks,
		Device: device,
		Keys:   keys,
		PDP:    pdpEngine,
		Gate:   gate,
		Bus:    b,
		spaces: make(map[cit.SpaceId]*store.SpaceStores),
		wms:    make(map[cit.SpaceId]*wm.Store),
	}

	synEngine := syn.New(app.StoresFor, keys, device, hooks, syn.Config{
		OutboxCapacity: cfg.SYN.OutboxMax,
		DrainBatch:     cfg.SYN.DrainBatch,
	})
	app.Sync = synEngine

	app.Read = rp.New(pdpEngine, hooks, app.StoresFor)
	app.Write = wp.New(pdpEngine, gate, b, nil, hooks, app.StoresFor).
		UseSyncEngine(synEngine).
		SetUndoWindow(time.Duration(cfg.SYN.UndoWindowSec) * time.Second)

	app.Prospective = prospective.New(app.StoresFor, b, hooks, prospective.Config{
		ReEvalInterval: time.Duration(cfg.PRS.ReEvalIntervalSec) * time.Second,
		JitterFrac:     cfg.PRS.JitterFrac,
	})
	app.Consolidate = consolidation.New(app.StoresFor, b, hooks, consolidation.Config{
		TConsolidate:          time.Duration(cfg.CNS.ConsolidateAfterHours) * time.Hour,
		CoOccurrenceThreshold: cfg.CNS.CoOccurrenceThreshold,
		ModelVersion:          cfg.CNS.ModelVersion,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.LockPath = filepath.Join(cfg.Paths.DataDir, "scheduler.lock")
	app.sched = scheduler.New(schedCfg, hooks)

	return app, nil
}

// RunBackground registers the per-space consolidation and prospective
// re-evaluation passes and blocks running the scheduler's tick loop until
// ctx is cancelled. Jobs run once a minute (the scheduler's cron
// granularity); each pass fans out over every space opened so far via
// StoresFor rather than a fixed list, so a space picked up mid-run joins
// the very next tick.
func (a *App) RunBackground(ctx context.Context) error {
	everyMinute, err := scheduler.ParseCron("* * * * *")
	if err != nil {
		return fmt.Errorf("boot: parse background cron: %w", err)
	}

	a.sched.Register(&scheduler.Job{
		Name:     "consolidation",
		Cron:     everyMinute,
		Category: scheduler.CategoryConsolidation,
		Run: func(ctx context.Context, now time.Time) {
			for _, space := range a.Spaces() {
				if _, err := a.Consolidate.RunForSpace(ctx, space); err != nil {
					a.Hooks.Event("boot.consolidation_error", map[string]any{"space": string(space), "error": err.Error()})
				}
			}
		},
	})
	a.sched.Register(&scheduler.Job{
		Name:     "prospective",
		Cron:     everyMinute,
		Category: scheduler.CategoryProspective,
		Run: func(ctx context.Context, now time.Time) {
			for _, space := range a.Spaces() {
				if _, err := a.Prospective.EvaluateSpace(ctx, space, now.UnixMilli(), nil); err != nil {
					a.Hooks.Event("boot.prospective_error", map[string]any{"space": string(space), "error": err.Error()})
				}
			}
		},
	})
	a.sched.Register(&scheduler.Job{
		Name:     "wm-idle-expiry",
		Cron:     everyMinute,
		Category: scheduler.CategoryDefault,
		Run: func(ctx context.Context, now time.Time) {
			for _, space := range a.Spaces() {
				wmStore, err := a.WMFor(space)
				if err != nil {
					continue
				}
				// No separate family registry exists yet (§9 leaves
				// family/space topology to the caller); the space id
				// doubles as its own family id here, which only matters
				// for the FamilyId stamped onto the episodic snapshot
				// ExpireIdle writes.
				if _, err := wmStore.ExpireIdle(ctx, cit.FamilyId(space), space); err != nil {
					a.Hooks.Event("boot.wm_expire_error", map[string]any{"space": string(space), "error": err.Error()})
				}
			}
		},
	})

	return a.sched.Run(ctx)
}

// DefaultWeights maps the configured rp.weights.* into rp.Weights.
func (a *App) DefaultWeights() rp.Weights {
	return rp.Weights{
		FTS:         a.Config.RP.WeightFTS,
		Vector:      a.Config.RP.WeightVector,
		KG:          a.Config.RP.WeightKG,
		Episodic:    a.Config.RP.WeightEpisodic,
		Hippocampus: a.Config.RP.WeightHippocampus,
	}
}

// StoresFor opens (if needed) and returns the SpaceStores for space,
// caching the handle for the process lifetime. Matches the
// func(cit.SpaceId) (*store.SpaceStores, error) seam every component
// downstream of PDP/ATG (rp, wp, syn, prospective, consolidation) takes
// as a constructor argument.
func (a *App) StoresFor(space cit.SpaceId) (*store.SpaceStores, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.spaces[space]; ok {
		return s, nil
	}
	dir := filepath.Join(a.Config.Paths.DataDir, string(space))
	if err := config.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("boot: space dir: %w", err)
	}
	s, err := store.OpenSpaceStores(filepath.Join(dir, "famcore.db"), a.Config.Vector.Dim)
	if err != nil {
		return nil, fmt.Errorf("boot: open space %s: %w", space, err)
	}
	a.spaces[space] = s
	return s, nil
}

// WMFor returns the working-memory session buffer for space, opening its
// backing SpaceStores first if needed and creating the buffer lazily on
// first use. One Store instance serves every session within a space, so
// wp/rp callers handling concurrent sessions in the same space share it.
func (a *App) WMFor(space cit.SpaceId) (*wm.Store, error) {
	stores, err := a.StoresFor(space)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.wms[space]; ok {
		return s, nil
	}
	s := wm.New(stores.Episodic)
	a.wms[space] = s
	return s, nil
}

// Spaces returns every space opened so far via StoresFor, a snapshot safe
// for the background loop to range over without holding the lock.
func (a *App) Spaces() []cit.SpaceId {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]cit.SpaceId, 0, len(a.spaces))
	for id := range a.spaces {
		out = append(out, id)
	}
	return out
}

// Close releases the bus and every opened per-space database.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, s := range a.spaces {
		if err := s.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func resolveDeviceId(keyStateDir string) (cit.DeviceId, error) {
	path := filepath.Join(keyStateDir, "device_id")
	if b, err := os.ReadFile(path); err == nil {
		id := cit.DeviceId(trimNewline(string(b)))
		if id != "" {
			return id, nil
		}
	}
	id := cit.NewDeviceId()
	if err := os.WriteFile(path, []byte(string(id)+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
