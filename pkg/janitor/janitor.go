// Package janitor reclaims storage: it ages out old tasks, enforces the
// total-size quota and sweeps blob objects no completed task points at.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
)

// Tasks is the slice of the task store the janitor drives. *store.Store
// satisfies it.
type Tasks interface {
	AllTasks() ([]store.Task, error)
	ArtifactKeys() (map[string]string, error)
	PurgeKeySet(id string) ([]string, error)
	PurgeTask(id string) error
	GetConfig() (store.CleanupConfig, error)
}

// Report summarizes one janitor run.
type Report struct {
	AgePurged      int     `json:"agePurged"`
	QuotaPurged    int     `json:"quotaPurged"`
	OrphansDeleted int     `json:"orphansDeleted"`
	TotalMBBefore  float64 `json:"totalMBBefore"`
	TotalMBAfter   float64 `json:"totalMBAfter"`
}

// Janitor runs the three cleanup phases against one listing of the blob
// store.
type Janitor struct {
	tasks  Tasks
	blobs  blob.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a janitor.
func New(tasks Tasks, blobs blob.Store, logger zerolog.Logger) *Janitor {
	return &Janitor{tasks: tasks, blobs: blobs, logger: logger, now: time.Now}
}

// Run executes one sweep: age, quota, orphans. Per-task purge errors are
// logged and skipped; only listing failures abort the run.
func (j *Janitor) Run(ctx context.Context) (Report, error) {
	cfg, err := j.tasks.GetConfig()
	if err != nil {
		return Report{}, err
	}

	objects, err := j.blobs.List(ctx, "")
	if err != nil {
		return Report{}, err
	}
	sizes := make(map[string]int64, len(objects))
	var total int64
	for _, obj := range objects {
		sizes[obj.Key] = obj.Size
		total += obj.Size
	}

	tasks, err := j.tasks.AllTasks()
	if err != nil {
		return Report{}, err
	}

	report := Report{TotalMBBefore: toMB(total)}

	// Phase 1: age.
	var surviving []store.Task
	if cfg.AutoCleanupDays > 0 {
		cutoff := j.now().Add(-time.Duration(cfg.AutoCleanupDays) * 24 * time.Hour)
		for _, task := range tasks {
			if !task.CreatedAt.Before(cutoff) {
				surviving = append(surviving, task)
				continue
			}
			freed, err := j.purge(ctx, task.ID, sizes)
			if err != nil {
				j.logger.Warn().Err(err).Str("task", task.ID).Msg("age purge failed")
				surviving = append(surviving, task)
				continue
			}
			total -= freed
			report.AgePurged++
		}
	} else {
		surviving = tasks
	}

	// Phase 2: quota. Tasks arrive sorted by creation time, so purging from
	// the front drops the oldest first.
	if cfg.AutoCleanupMaxMB > 0 {
		limit := int64(cfg.AutoCleanupMaxMB) << 20
		for _, task := range surviving {
			if total <= limit {
				break
			}
			freed, err := j.purge(ctx, task.ID, sizes)
			if err != nil {
				j.logger.Warn().Err(err).Str("task", task.ID).Msg("quota purge failed")
				continue
			}
			total -= freed
			report.QuotaPurged++
		}
	}

	// Phase 3: orphans. Anything no completed task points at goes.
	recorded, err := j.tasks.ArtifactKeys()
	if err != nil {
		return report, err
	}
	referenced := make(map[string]bool, len(recorded))
	for _, key := range recorded {
		referenced[key] = true
	}
	var orphans []string
	for key, size := range sizes {
		if !referenced[key] {
			orphans = append(orphans, key)
			total -= size
		}
	}
	if len(orphans) > 0 {
		deleted, err := j.blobs.DeleteBatch(ctx, orphans)
		if err != nil {
			return report, err
		}
		report.OrphansDeleted = deleted
	}

	report.TotalMBAfter = toMB(total)
	j.logger.Info().
		Int("agePurged", report.AgePurged).
		Int("quotaPurged", report.QuotaPurged).
		Int("orphansDeleted", report.OrphansDeleted).
		Float64("totalMB", report.TotalMBAfter).
		Msg("cleanup finished")
	return report, nil
}

// purge removes one task and its objects, returning the bytes freed. The
// purged keys drop out of the size map so the orphan phase does not count
// them twice.
func (j *Janitor) purge(ctx context.Context, id string, sizes map[string]int64) (int64, error) {
	keys, err := j.tasks.PurgeKeySet(id)
	if err != nil {
		return 0, err
	}
	if err := j.tasks.PurgeTask(id); err != nil {
		return 0, err
	}

	var freed int64
	for _, key := range keys {
		freed += sizes[key]
		delete(sizes, key)
	}
	if _, err := j.blobs.DeleteBatch(ctx, keys); err != nil {
		j.logger.Warn().Err(err).Str("task", id).Msg("failed to delete purged objects")
	}
	return freed, nil
}

func toMB(bytes int64) float64 {
	return float64(bytes) / (1 << 20)
}
