// Package scheduler implements blueprint discovery, normalisation,
// freshness evaluation, and dispatch to the evaluation queue.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/common"
	"evalorchestrator.dev/configsource"
	"evalorchestrator.dev/evalqueue"
	"evalorchestrator.dev/modelgroup"
	"evalorchestrator.dev/objectstore"
)

// DefaultFreshnessWindow is the age beyond which a blueprint's last
// run is considered stale and eligible for rescheduling.
const DefaultFreshnessWindow = 7 * 24 * time.Hour

// DefaultBatchLimit bounds how many blueprints are dispatched in a
// single tick.
const DefaultBatchLimit = 200

// Invoker runs a resolved blueprint through the pipeline runner and
// folds its result into the incremental summaries. It is the single
// thing a scheduled evalqueue.Job actually does; Scheduler itself
// never talks to the pipeline runner directly.
type Invoker interface {
	Invoke(ctx context.Context, resolved blueprint.Resolved, commitSHA string) (artifact string, err error)
}

// Options control one Tick invocation.
type Options struct {
	// Force schedules every periodic blueprint regardless of
	// freshness.
	Force bool
	// Limit overrides the configured batch limit for this tick. Zero
	// means use the configured default.
	Limit int
}

// Stats summarises the outcome of one Tick.
type Stats struct {
	Discovered   int
	Scheduled    int
	SkippedFresh int
	SkippedOther int
	Errors       int
}

// Config configures a Scheduler.
type Config struct {
	Source          configsource.Source
	Resolver        *modelgroup.Resolver
	Queue           *evalqueue.Queue
	Store           objectstore.Store
	Invoker         Invoker
	Branch          string
	FreshnessWindow time.Duration
	BatchLimit      int
	// ShardPrefix restricts discovery to blueprint ids with this
	// prefix, letting multiple processes own disjoint shards of the
	// same configuration source without coordinating with each other.
	// Empty means no sharding: one process owns everything.
	ShardPrefix string
	// DiscoveryCache, if set, lets a freshness check for a blueprint
	// whose source commit has not changed since it was last recorded
	// skip the object store round trip entirely. Purely a performance
	// cache: a miss or a stale entry just costs the round trip it
	// would have cost anyway, never an incorrect freshness decision.
	DiscoveryCache DiscoveryCache
	Logger         *common.ContextLogger
}

// DiscoveryCache is the subset of repository.Bolt's contract the
// scheduler needs, declared locally so this package does not import
// repository for a single narrow interface.
type DiscoveryCache interface {
	Put(blueprintID, commitSHA string, lastRun time.Time) error
	Get(blueprintID string) (commitSHA string, lastRun time.Time, found bool, err error)
}

// Scheduler discovers periodic blueprints, decides which are stale,
// and dispatches the stale ones to the evaluation queue.
type Scheduler struct {
	cfg Config
	log *common.ContextLogger
}

func New(cfg Config) *Scheduler {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger}
}

// Tick runs one discovery-to-dispatch pass. A failure to list the
// source tree at all aborts the tick; any other per-blueprint failure
// is isolated, logged, counted, and does not stop the tick.
func (s *Scheduler) Tick(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats

	entries, err := s.cfg.Source.ListTree(ctx, s.cfg.Branch)
	if err != nil {
		return stats, fmt.Errorf("listing configuration source tree: %w", err)
	}

	commitSHA, err := s.cfg.Source.LatestCommit(ctx, s.cfg.Branch)
	if err != nil {
		return stats, fmt.Errorf("fetching latest commit: %w", err)
	}

	candidates := make(map[string]blueprint.Blueprint)
	order := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !hasEligibleExtension(entry.Path) {
			continue
		}

		id := blueprint.DerivePathID(entry.Path)
		if blueprint.IsReservedID(id) {
			if s.log != nil {
				s.log.Debugf("skipping %s: derives to reserved id %s", entry.Path, id)
			}
			continue
		}
		if s.cfg.ShardPrefix != "" && !strings.HasPrefix(id, s.cfg.ShardPrefix) {
			continue
		}

		data, err := s.cfg.Source.GetFile(ctx, s.cfg.Branch, entry.Path)
		if err != nil {
			stats.Errors++
			s.logError("fetching %s: %v", entry.Path, err)
			continue
		}

		bp, err := blueprint.Parse(entry.Path, data)
		if err != nil {
			stats.Errors++
			s.logError("parsing %s: %v", entry.Path, err)
			continue
		}
		stats.Discovered++

		if _, dup := candidates[bp.ID]; dup {
			// Id is a pure function of path, so a collision means two
			// distinct paths derive the same id: a fatal
			// misconfiguration, not a transient condition. Last one
			// wins within this tick; still logged loudly.
			if s.log != nil {
				s.log.Errorf("duplicate derived blueprint id %s from %s; last-wins", bp.ID, entry.Path)
			}
		}
		candidates[bp.ID] = *bp
		order = append(order, bp.ID)
	}

	limit := s.cfg.BatchLimit
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	for _, id := range order {
		if stats.Scheduled >= limit {
			break
		}

		bp := candidates[id]
		if !bp.IsPeriodic() {
			stats.SkippedOther++
			continue
		}

		concreteModels, err := s.cfg.Resolver.Resolve(ctx, bp.Models)
		if err != nil {
			stats.Errors++
			s.logError("resolving models for %s: %v", id, err)
			continue
		}

		resolved := blueprint.Resolved{Blueprint: bp, ConcreteModels: concreteModels}
		resolved.RunLabel = blueprint.ComputeRunLabel(resolved)

		fresh, err := s.isFresh(ctx, id, commitSHA)
		if err != nil {
			stats.Errors++
			s.logError("checking freshness for %s: %v", id, err)
			continue
		}

		if fresh && !opts.Force {
			stats.SkippedFresh++
			continue
		}

		job := evalqueue.Job{
			BlueprintID: id,
			Run: func(ctx context.Context) (string, error) {
				return s.cfg.Invoker.Invoke(ctx, resolved, commitSHA)
			},
		}
		s.cfg.Queue.Enqueue(job)
		stats.Scheduled++
	}

	return stats, nil
}

// isFresh reports whether the blueprint's most recent run is within
// the freshness window. A blueprint with no prior runs is never
// fresh. The prior run's label is never consulted: freshness is
// timestamp-only (re-resolving a model-group alias changes the label
// but not the blueprint's intent).
//
// When a DiscoveryCache is configured and its cached entry for
// blueprintID was recorded against the same commitSHA, the cached
// last-run timestamp is trusted and the object store read is skipped
// entirely.
func (s *Scheduler) isFresh(ctx context.Context, blueprintID, commitSHA string) (bool, error) {
	if s.cfg.DiscoveryCache != nil {
		cachedSHA, lastRun, found, err := s.cfg.DiscoveryCache.Get(blueprintID)
		if err != nil {
			s.logError("reading discovery cache for %s: %v", blueprintID, err)
		} else if found && cachedSHA == commitSHA {
			return time.Since(lastRun) < s.cfg.FreshnessWindow, nil
		}
	}

	latest, found, err := s.latestRun(ctx, blueprintID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if s.cfg.DiscoveryCache != nil {
		if err := s.cfg.DiscoveryCache.Put(blueprintID, commitSHA, latest); err != nil {
			s.logError("writing discovery cache for %s: %v", blueprintID, err)
		}
	}

	return time.Since(latest) < s.cfg.FreshnessWindow, nil
}

// latestRun prefix-lists the blueprint's raw result artifacts and
// returns the most recent timestamp derived from their filenames. The
// filename is the canonical timestamp source; an artifact whose name
// yields no parseable timestamp is unusable for freshness and counts
// as if absent.
func (s *Scheduler) latestRun(ctx context.Context, blueprintID string) (time.Time, bool, error) {
	prefix := fmt.Sprintf("live/blueprints/%s/", blueprintID)
	objs, err := objectstore.ListAllPrefix(ctx, s.cfg.Store, prefix)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("listing prior runs: %w", err)
	}

	var latest time.Time
	found := false
	for _, o := range objs {
		ts, ok := artifactTimestamp(o.Key)
		if !ok {
			s.logError("artifact %s has no parseable timestamp; ignoring for freshness", o.Key)
			continue
		}
		if !found || ts.After(latest) {
			latest, found = ts, true
		}
	}
	return latest, found, nil
}

// isoTimestampRe extracts a filesystem-safe ISO-8601 timestamp from an
// arbitrary filename when the expected <runLabel>_<ts>_comparison.json
// structure doesn't hold.
var isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}(?:\.\d+)?Z`)

// artifactTimestamp derives the canonical run timestamp from an
// artifact key. The well-formed shape is
// <runLabel>_<safeTimestamp>_comparison.json; when that fails, a
// regex-extracted ISO timestamp anywhere in the name is accepted as a
// fallback.
func artifactTimestamp(key string) (time.Time, bool) {
	name := key
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	if rest, ok := strings.CutSuffix(name, "_comparison.json"); ok {
		if i := strings.IndexByte(rest, '_'); i >= 0 {
			if ts, err := objectstore.DecodeTimestamp(rest[i+1:]); err == nil {
				return ts, true
			}
		}
	}

	if m := isoTimestampRe.FindString(name); m != "" {
		if ts, err := objectstore.DecodeTimestamp(m); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) logError(format string, args ...any) {
	if s.log != nil {
		s.log.Errorf(format, args...)
	}
}

func hasEligibleExtension(path string) bool {
	return strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".json")
}
