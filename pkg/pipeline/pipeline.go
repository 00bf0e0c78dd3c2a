// Package pipeline runs download tasks end to end: it fetches the package
// from the Apple CDN into the blob store via multipart upload, then rewrites
// the archive tail to inject the task's DRM signatures and purchase metadata.
package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
)

// TaskStore is the slice of the task store the pipeline mutates. Progress and
// status flow exclusively through these calls.
type TaskStore interface {
	MarkDownloading(id string) error
	MarkInjecting(id string) error
	UpdateProgress(id string, progress int, speed string) error
	CompleteTask(id, artifactKey string, fileSize int64) error
	FailTask(id, message string) error
}

// Pipeline implements store.Runner.
type Pipeline struct {
	blobs  blob.Store
	tasks  TaskStore
	logger zerolog.Logger
}

var _ store.Runner = (*Pipeline)(nil)

// New creates a pipeline writing artifacts to blobs and status to tasks.
func New(blobs blob.Store, tasks TaskStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{blobs: blobs, tasks: tasks, logger: logger}
}

// Start runs one task to completion. It is called on its own goroutine by the
// store; ctx is cancelled by pause, delete, janitor purge and shutdown. On
// cancellation it returns without touching the task status, which the
// cancelling RPC already set.
func (p *Pipeline) Start(ctx context.Context, task store.Task) {
	log := p.logger.With().Str("task", task.ID).Str("bundle", task.Software.BundleID).Logger()

	if err := p.tasks.MarkDownloading(task.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark task downloading")
		return
	}

	key := store.ArtifactKey(task.AccountHash, task.Software.BundleID, task.ID)

	size, err := p.download(ctx, task, key)
	if err != nil {
		p.fail(ctx, log, task.ID, "download", err)
		return
	}
	log.Info().Int64("bytes", size).Msg("download complete")

	if len(task.Sinfs) > 0 || task.ITunesMetadata != "" {
		if err := p.tasks.MarkInjecting(task.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark task injecting")
			return
		}
		size, err = p.inject(ctx, task, key)
		if err != nil {
			p.fail(ctx, log, task.ID, "injection", err)
			return
		}
		log.Info().Int64("bytes", size).Msg("injection complete")
	}

	if err := p.tasks.CompleteTask(task.ID, key, size); err != nil {
		log.Error().Err(err).Msg("failed to mark task completed")
	}
}

func (p *Pipeline) fail(ctx context.Context, log zerolog.Logger, id, stage string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		log.Debug().Str("stage", stage).Msg("task cancelled")
		return
	}
	log.Warn().Err(err).Str("stage", stage).Msg("task failed")
	if ferr := p.tasks.FailTask(id, err.Error()); ferr != nil {
		log.Error().Err(ferr).Msg("failed to record task failure")
	}
}
