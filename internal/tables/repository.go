// Package tables loads rule and price tables from a TableSource into
// immutable snapshots and hot-swaps them when the source changes.
package tables

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
)

// SwapHook is called after a new snapshot has been installed.
type SwapHook func(ctx context.Context, old, next *Snapshot)

// Repository holds the current snapshot behind an atomic pointer. Reads are
// lock-free; reloads are serialized and installed with compare-and-swap.
type Repository struct {
	source  domain.TableSource
	current atomic.Pointer[Snapshot]

	reloadMu sync.Mutex
	hooksMu  sync.RWMutex
	hooks    []SwapHook

	reparses atomic.Int64
	failures atomic.Int64
	now      func() time.Time
}

// NewRepository creates a repository over source. Call Load before use.
func NewRepository(source domain.TableSource) *Repository {
	return &Repository{
		source: source,
		now:    time.Now,
	}
}

// OnSwap registers a hook run after every successful swap.
func (r *Repository) OnSwap(hook SwapHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Current returns the live snapshot, or nil before the first load.
func (r *Repository) Current() *Snapshot {
	return r.current.Load()
}

// Snapshot returns the live snapshot or ErrNotLoaded.
func (r *Repository) Snapshot() (*Snapshot, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return snap, nil
}

// Get returns a table from the live snapshot.
func (r *Repository) Get(name string) (Table, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Get(name)
}

// Load performs the initial load. It fails if no snapshot can be built.
func (r *Repository) Load(ctx context.Context) error {
	_, err := r.Reload(ctx, true)
	return err
}

// RefreshIfChanged reloads all tables when the source revision differs from
// the live snapshot. It reports whether a new snapshot was installed.
func (r *Repository) RefreshIfChanged(ctx context.Context) (bool, error) {
	return r.Reload(ctx, false)
}

// Reload lists the source and, if its revision changed or force is set,
// parses every table as one unit before swapping. On failure the previous
// snapshot stays live.
func (r *Repository) Reload(ctx context.Context, force bool) (bool, error) {
	infos, err := r.listKnown(ctx)
	if err != nil {
		return false, err
	}
	revision := digest(infos)

	if cur := r.current.Load(); !force && cur != nil && cur.Revision == revision {
		return false, nil
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	cur := r.current.Load()
	if !force && cur != nil && cur.Revision == revision {
		return false, nil
	}

	start := r.now()
	next, err := r.build(ctx, cur, infos)
	if err != nil {
		r.failures.Add(1)
		attrs := []any{"error", err}
		if cur != nil {
			attrs = append(attrs, "live_revision", cur.Revision, "live_generation", cur.Generation)
		}
		slog.Warn("table reload failed, keeping previous snapshot", attrs...)
		return false, err
	}

	if cur != nil {
		next.Generation = cur.Generation + 1
	} else {
		next.Generation = 1
	}

	if !r.current.CompareAndSwap(cur, next) {
		return false, nil
	}

	slog.Info("table snapshot installed",
		"revision", next.Revision,
		"generation", next.Generation,
		"tables", len(next.tables),
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)

	r.hooksMu.RLock()
	hooks := append([]SwapHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, cur, next)
	}
	return true, nil
}

// listKnown lists source tables that have a schema, sorted by name.
func (r *Repository) listKnown(ctx context.Context) ([]domain.TableInfo, error) {
	all, err := r.source.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	infos := make([]domain.TableInfo, 0, len(all))
	for _, info := range all {
		if !Known(info.Name) {
			slog.Debug("ignoring unknown table", "table", info.Name)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// build reads and compiles every table. The snapshot revision is derived
// from the revisions actually read. A required table carried by cur must
// still be listed.
func (r *Repository) build(ctx context.Context, cur *Snapshot, infos []domain.TableInfo) (*Snapshot, error) {
	r.reparses.Add(1)

	if cur != nil {
		listed := make(map[string]bool, len(infos))
		for _, info := range infos {
			listed[info.Name] = true
		}
		for _, name := range cur.Names() {
			if IsRequired(name) && !listed[name] {
				return nil, &LoadError{Table: name, Err: errors.New("required table is missing from the source")}
			}
		}
	}

	snap := &Snapshot{
		LoadedAt: r.now(),
		Sources:  make([]domain.TableInfo, 0, len(infos)),
		tables:   make(map[string]Table, len(infos)),
	}

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := r.source.ReadTable(ctx, info.Name)
		if err != nil {
			return nil, &LoadError{Table: info.Name, Err: err}
		}
		if raw.Name == "" {
			raw.Name = info.Name
		}
		revision := info.Revision
		if raw.Revision != "" {
			revision = raw.Revision
		}

		table, err := Compile(raw, revision)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, &LoadError{Table: info.Name, Err: err}
		}
		snap.tables[info.Name] = table
		snap.Sources = append(snap.Sources, domain.TableInfo{Name: info.Name, Revision: revision})
	}

	snap.Revision = digest(snap.Sources)
	return snap, nil
}

// Watch polls RefreshIfChanged every interval until ctx is done.
func (r *Repository) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RefreshIfChanged(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("table refresh failed", "error", err)
			}
		}
	}
}

// Stats describes reload activity.
type Stats struct {
	Revision   string `json:"revision"`
	Generation uint64 `json:"generation"`
	Reparses   int64  `json:"reparses"`
	Failures   int64  `json:"failures"`
}

// Stats returns reload counters and the live revision.
func (r *Repository) Stats() Stats {
	s := Stats{
		Reparses: r.reparses.Load(),
		Failures: r.failures.Load(),
	}
	if snap := r.current.Load(); snap != nil {
		s.Revision = snap.Revision
		s.Generation = snap.Generation
	}
	return s
}

// digest combines per-table revisions into one repository revision.
func digest(infos []domain.TableInfo) string {
	h := sha256.New()
	for _, info := range infos {
		h.Write([]byte(info.Name))
		h.Write([]byte{0})
		h.Write([]byte(info.Revision))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
