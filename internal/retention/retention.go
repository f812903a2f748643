// Package retention prunes mirrored message leaves older than the
// configured period on a cron schedule.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/mirror"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/state"
	"chatmirror/pkg/statestore"
)

var metricPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatmirror_retention_pruned_total",
	Help: "Message leaf groups cleared by retention runs.",
})

// messageScalars are the plain leaves cleared together on a prune; the
// composite messageJson leaf is cleared separately through the snapshot path.
var messageScalars = []string{"message", "messageId", "messageAuthor", "messageTimestamp"}

// Stats summarizes one retention run.
type Stats struct {
	Scanned int       `json:"scanned"`
	Pruned  int       `json:"pruned"`
	DryRun  bool      `json:"dry_run"`
	At      time.Time `json:"at"`
}

// Pruner clears mirrored message leaves whose messageTimestamp is older
// than the retention period. Clears go through the suppression cache so the
// memos stay consistent with the store.
type Pruner struct {
	store  statestore.Store
	cache  *mirror.SuppressionCache
	period time.Duration
	dryRun bool
}

// NewPruner builds a pruner from the retention config. The period string is
// required and accepts Go durations plus a day suffix ("30d").
func NewPruner(cfg config.RetentionConfig, store statestore.Store, cache *mirror.SuppressionCache) (*Pruner, error) {
	period, err := ParsePeriod(cfg.Period)
	if err != nil {
		return nil, err
	}
	return &Pruner{store: store, cache: cache, period: period, dryRun: cfg.DryRun}, nil
}

// ParsePeriod parses a retention period. Accepts time.ParseDuration syntax
// and an integer day count with a "d" suffix.
func ParsePeriod(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("retention period is required")
	}
	if strings.HasSuffix(raw, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(raw, "d")); err == nil {
			if days <= 0 {
				return 0, fmt.Errorf("retention period must be positive: %q", raw)
			}
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid retention period %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention period must be positive: %q", raw)
	}
	return d, nil
}

// RunOnce scans both mirrored roots for message timestamps older than the
// cutoff and clears the message leaves of each expired node.
func (p *Pruner) RunOnce(ctx context.Context) (Stats, error) {
	stats := Stats{DryRun: p.dryRun, At: time.Now().UTC()}
	cutoff := stats.At.Add(-p.period)

	for _, root := range []string{paths.ServersRoot, paths.UsersRoot} {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		objs, err := p.store.ListObjects(root)
		if err != nil {
			return stats, err
		}
		for _, obj := range objs {
			if !strings.HasSuffix(obj, ".messageTimestamp") {
				continue
			}
			stats.Scanned++
			ts, ok := p.timestampAt(obj)
			if !ok || !ts.Before(cutoff) {
				continue
			}
			prefix := strings.TrimSuffix(obj, ".messageTimestamp")
			if p.dryRun {
				logger.Info("retention_would_prune", "path", prefix, "age", stats.At.Sub(ts).String())
				stats.Pruned++
				continue
			}
			if err := p.prune(prefix); err != nil {
				logger.Warn("retention_prune_failed", "path", prefix, "error", err)
				continue
			}
			stats.Pruned++
			metricPruned.Inc()
		}
	}

	writeReport(stats)
	logger.Info("retention_run_complete", "scanned", stats.Scanned, "pruned", stats.Pruned, "dry_run", stats.DryRun)
	return stats, nil
}

// timestampAt reads and parses the mirrored message timestamp. Empty or
// unparsable values (including already-pruned leaves) are skipped.
func (p *Pruner) timestampAt(path string) (time.Time, bool) {
	v, err := p.store.GetValue(path)
	if err != nil {
		return time.Time{}, false
	}
	s, ok := v.Val.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (p *Pruner) prune(prefix string) error {
	for _, leaf := range messageScalars {
		if _, err := p.cache.UpsertValue(paths.Join(prefix, leaf), ""); err != nil {
			return err
		}
	}
	_, err := p.cache.UpsertSnapshot(paths.Join(prefix, "messageJson"), "")
	return err
}

// writeReport appends one jsonl record per run under the retention state
// directory. Failures are ignored; the report is best-effort bookkeeping.
func writeReport(stats Stats) {
	dir := state.PathsVar.Retention
	if dir == "" {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "runs.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return
	}
	defer f.Close()
	b, err := json.Marshal(stats)
	if err != nil {
		return
	}
	_, _ = f.Write(append(b, '\n'))
}

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig, store statestore.Store, cache *mirror.SuppressionCache) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	pruner, err := NewPruner(cfg, store, cache)
	if err != nil {
		return nil, err
	}

	if dir := state.PathsVar.Retention; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Error("retention_path_create_failed", "path", dir, "error", err)
			return nil, err
		}
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period, "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, pruner, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until it,
// repeating until the context is cancelled.
func runScheduler(ctx context.Context, pruner *Pruner, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := pruner.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}
