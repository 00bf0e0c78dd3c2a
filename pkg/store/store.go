// Package store is the single-writer task store. Every mutating RPC runs
// serially against one Store instance; read-only RPCs observe a consistent
// snapshot through bbolt's transaction isolation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
)

// Bucket names. Keys inside tasks/artifacts/accounts are plain ids and
// account hashes; config and auth hold well-known keys.
var (
	bucketTasks     = []byte("tasks")     // id -> task JSON
	bucketArtifacts = []byte("artifacts") // id -> artifact key (present iff completed)
	bucketAccounts  = []byte("accounts")  // accountHash -> JSON list of ids
	bucketConfig    = []byte("config")    // autoCleanupDays / autoCleanupMaxMB
	bucketAuth      = []byte("auth")      // password_hash
)

var (
	keyCleanupDays  = []byte("autoCleanupDays")
	keyCleanupMaxMB = []byte("autoCleanupMaxMB")
	keyPasswordHash = []byte("password_hash")
)

// Runner starts the download pipeline for a task. The store owns the
// cancellation handle; the runner owns everything else.
type Runner interface {
	Start(ctx context.Context, task Task)
}

// Store is the persistent task store plus the cancellation registry for
// in-flight downloads.
type Store struct {
	db     *bolt.DB
	blobs  blob.Store
	logger zerolog.Logger

	// mu serializes mutating RPCs (single-writer discipline).
	mu     sync.Mutex
	runner Runner

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	defaults CleanupConfig
}

// Open opens (creating if needed) the task store database.
func Open(path string, blobs blob.Store, defaults CleanupConfig, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketArtifacts, bucketAccounts, bucketConfig, bucketAuth} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create buckets: %w", err)
	}

	return &Store{
		db:       db,
		blobs:    blobs,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		defaults: defaults,
	}, nil
}

// Close cancels all in-flight downloads and closes the database.
func (s *Store) Close() error {
	s.cancelMu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.cancelMu.Unlock()
	return s.db.Close()
}

// SetRunner wires the download pipeline in. Must be called before CreateTask.
func (s *Store) SetRunner(r Runner) {
	s.runner = r
}

// CreateTask validates, deduplicates, persists and starts a new download
// task, returning its sanitized view.
func (s *Store) CreateTask(params CreateParams) (SanitizedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := params.validate(); err != nil {
		return SanitizedTask{}, err
	}

	task := Task{
		ID:             uuid.NewString(),
		Software:       params.Software,
		AccountHash:    params.AccountHash,
		DownloadURL:    params.DownloadURL,
		Sinfs:          params.Sinfs,
		ITunesMetadata: params.ITunesMetadata,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids := readAccountIndex(tx, params.AccountHash)
		for _, id := range ids {
			existing, ok := readTask(tx, id)
			if !ok {
				continue
			}
			if existing.Status != StatusFailed &&
				existing.Software.BundleID == params.Software.BundleID &&
				existing.Software.Version == params.Software.Version {
				return fmt.Errorf("%w: %s %s already in flight", ErrConflict,
					params.Software.BundleID, params.Software.Version)
			}
		}

		if err := writeTask(tx, task); err != nil {
			return err
		}
		return writeAccountIndex(tx, params.AccountHash, append(ids, task.ID))
	})
	if err != nil {
		return SanitizedTask{}, err
	}

	s.startDownload(task)
	return task.Sanitize(), nil
}

// GetTask returns the sanitized task if it exists and belongs to the caller;
// missing and tenant-mismatched tasks are indistinguishable.
func (s *Store) GetTask(id, accountHash string) (*SanitizedTask, error) {
	task, err := s.getOwnedTask(id, accountHash)
	if err != nil {
		return nil, err
	}
	out := task.Sanitize()
	return &out, nil
}

// ListTasks returns the sanitized union of the given tenants' tasks.
func (s *Store) ListTasks(accountHashes []string) ([]SanitizedTask, error) {
	var out []SanitizedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, hash := range accountHashes {
			for _, id := range readAccountIndex(tx, hash) {
				if task, ok := readTask(tx, id); ok {
					out = append(out, task.Sanitize())
				}
			}
		}
		return nil
	})
	return out, err
}

// PauseTask cancels the download of a task in status downloading and marks
// it paused. Returns false if the transition does not apply.
func (s *Store) PauseTask(id, accountHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok || task.AccountHash != accountHash {
			return nil
		}
		if task.Status != StatusDownloading {
			return nil
		}
		task.Status = StatusPaused
		task.Speed = ""
		changed = true
		return writeTask(tx, task)
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.cancelDownload(id)
	}
	return changed, nil
}

// ResumeTask restarts the download of a paused task from scratch.
func (s *Store) ResumeTask(id, accountHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resumed *Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok || task.AccountHash != accountHash {
			return nil
		}
		if task.Status != StatusPaused {
			return nil
		}
		task.Status = StatusDownloading
		task.Progress = 0
		task.Error = ""
		resumed = &task
		return writeTask(tx, task)
	})
	if err != nil || resumed == nil {
		return false, err
	}

	s.startDownload(*resumed)
	return true, nil
}

// DeleteTask cancels any in-flight download, removes the stored artifact and
// erases the records.
func (s *Store) DeleteTask(ctx context.Context, id, accountHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getOwnedTask(id, accountHash)
	if err != nil {
		return false, nil
	}

	s.cancelDownload(id)

	keys := s.artifactKeySet(id, task)
	if _, err := s.blobs.DeleteBatch(ctx, keys); err != nil {
		s.logger.Warn().Err(err).Str("task", id).Msg("failed to delete artifact objects")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return eraseTask(tx, id, task.AccountHash)
	})
	return err == nil, err
}

// GetTaskPublic is the unauthenticated by-UUID lookup used by install pages.
func (s *Store) GetTaskPublic(id string) (*PublicTask, error) {
	var out *PublicTask
	err := s.db.View(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok {
			return nil
		}
		out = &PublicTask{Software: task.Software, HasFile: task.Status == StatusCompleted}
		return nil
	})
	return out, err
}

// GetR2KeyPublic returns the artifact key for a completed task, without a
// tenant check. The UUID itself is the secret.
func (s *Store) GetR2KeyPublic(id string) (string, error) {
	var key string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketArtifacts).Get([]byte(id)); v != nil {
			key = string(v)
		}
		return nil
	})
	return key, err
}

// GetConfig returns the cleanup tunables, falling back to the deploy-time
// defaults for unset values.
func (s *Store) GetConfig() (CleanupConfig, error) {
	cfg := s.defaults
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if v := b.Get(keyCleanupDays); v != nil {
			if n, err := strconv.Atoi(string(v)); err == nil {
				cfg.AutoCleanupDays = n
			}
		}
		if v := b.Get(keyCleanupMaxMB); v != nil {
			if n, err := strconv.Atoi(string(v)); err == nil {
				cfg.AutoCleanupMaxMB = n
			}
		}
		return nil
	})
	return cfg, err
}

// SetConfig persists the cleanup tunables.
func (s *Store) SetConfig(cfg CleanupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.AutoCleanupDays < 0 || cfg.AutoCleanupMaxMB < 0 {
		return fmt.Errorf("%w: cleanup tunables must not be negative", ErrBadRequest)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if err := b.Put(keyCleanupDays, []byte(strconv.Itoa(cfg.AutoCleanupDays))); err != nil {
			return err
		}
		return b.Put(keyCleanupMaxMB, []byte(strconv.Itoa(cfg.AutoCleanupMaxMB)))
	})
}

// GetPasswordHash returns the stored password hash, or "" when setup has not
// happened yet.
func (s *Store) GetPasswordHash() (string, error) {
	var hash string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketAuth).Get(keyPasswordHash); v != nil {
			hash = string(v)
		}
		return nil
	})
	return hash, err
}

// SetPasswordHash stores (or rotates) the password hash.
func (s *Store) SetPasswordHash(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuth).Put(keyPasswordHash, []byte(hash))
	})
}

// SetPasswordHashIfNotExists is the compare-and-set used during initial
// setup. Returns false when a hash is already present.
func (s *Store) SetPasswordHashIfNotExists(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if b.Get(keyPasswordHash) != nil {
			return nil
		}
		set = true
		return b.Put(keyPasswordHash, []byte(hash))
	})
	return set, err
}

// ---- engine-facing mutations -------------------------------------------

// MarkDownloading flips a pending or resumed task into downloading.
func (s *Store) MarkDownloading(id string) error {
	return s.updateTask(id, func(t *Task) {
		t.Status = StatusDownloading
	})
}

// MarkInjecting flips a task into injecting once its body is uploaded.
func (s *Store) MarkInjecting(id string) error {
	return s.updateTask(id, func(t *Task) {
		t.Status = StatusInjecting
		t.Speed = ""
	})
}

// UpdateProgress records throttled download progress.
func (s *Store) UpdateProgress(id string, progress int, speed string) error {
	return s.updateTask(id, func(t *Task) {
		t.Progress = progress
		t.Speed = speed
	})
}

// CompleteTask marks a task completed, clears its secrets and records the
// artifact key mapping.
func (s *Store) CompleteTask(id, artifactKey string, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.releaseCancel(id)

	return s.db.Update(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok {
			return ErrNotFound
		}
		task.Status = StatusCompleted
		task.Progress = 100
		task.Speed = ""
		task.Error = ""
		task.FileSize = fileSize
		task.DownloadURL = ""
		task.Sinfs = nil
		task.ITunesMetadata = ""
		if err := writeTask(tx, task); err != nil {
			return err
		}
		return tx.Bucket(bucketArtifacts).Put([]byte(id), []byte(artifactKey))
	})
}

// FailTask marks a task failed with a user-visible error message. The record
// stays around so the tenant can inspect, delete and retry.
func (s *Store) FailTask(id, message string) error {
	defer s.releaseCancel(id)
	return s.updateTask(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = message
		t.Speed = ""
	})
}

// ---- janitor-facing access ----------------------------------------------

// AllTasks returns full task records; only the janitor consumes these, and it
// never serializes them outward.
func (s *Store) AllTasks() ([]Task, error) {
	var out []Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			out = append(out, task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ArtifactKeys returns the id -> artifact key mapping for completed tasks.
func (s *Store) ArtifactKeys() (map[string]string, error) {
	keys := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			keys[string(k)] = string(v)
			return nil
		})
	})
	return keys, err
}

// PurgeTask cancels any in-flight download and erases the task's records.
// Artifact deletion is the caller's job (the janitor batches it).
func (s *Store) PurgeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelDownload(id)
	return s.db.Update(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok {
			return nil
		}
		return eraseTask(tx, id, task.AccountHash)
	})
}

// PurgeKeySet returns every blob key that may hold data for the task: the
// recorded artifact key, the deterministic key, and the injection temp
// sibling. Duplicates are collapsed.
func (s *Store) PurgeKeySet(id string) ([]string, error) {
	var task *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		if t, ok := readTask(tx, id); ok {
			task = &t
		}
		return nil
	})
	if err != nil || task == nil {
		return nil, err
	}
	return s.artifactKeySet(id, task), nil
}

// ---- internals ------------------------------------------------------------

func (s *Store) startDownload(task Task) {
	if s.runner == nil {
		s.logger.Warn().Str("task", task.ID).Msg("no runner wired; task will stay pending")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelMu.Lock()
	s.cancels[task.ID] = cancel
	s.cancelMu.Unlock()

	go s.runner.Start(ctx, task)
}

func (s *Store) cancelDownload(id string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
}

func (s *Store) releaseCancel(id string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, id)
}

func (s *Store) getOwnedTask(id, accountHash string) (*Task, error) {
	var out *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok || task.AccountHash != accountHash {
			return nil
		}
		out = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *Store) updateTask(id string, mutate func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		task, ok := readTask(tx, id)
		if !ok {
			return ErrNotFound
		}
		mutate(&task)
		return writeTask(tx, task)
	})
}

func (s *Store) artifactKeySet(id string, task *Task) []string {
	set := make(map[string]struct{})

	deterministic := ArtifactKey(task.AccountHash, task.Software.BundleID, id)
	set[deterministic] = struct{}{}
	set[TempArtifactKey(deterministic)] = struct{}{}

	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketArtifacts).Get([]byte(id)); v != nil {
			set[string(v)] = struct{}{}
		}
		return nil
	})

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readTask(tx *bolt.Tx, id string) (Task, bool) {
	v := tx.Bucket(bucketTasks).Get([]byte(id))
	if v == nil {
		return Task{}, false
	}
	var task Task
	if err := json.Unmarshal(v, &task); err != nil {
		return Task{}, false
	}
	return task, true
}

func writeTask(tx *bolt.Tx, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
}

func eraseTask(tx *bolt.Tx, id, accountHash string) error {
	if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketArtifacts).Delete([]byte(id)); err != nil {
		return err
	}

	ids := readAccountIndex(tx, accountHash)
	kept := ids[:0]
	for _, tid := range ids {
		if tid != id {
			kept = append(kept, tid)
		}
	}
	return writeAccountIndex(tx, accountHash, kept)
}

func readAccountIndex(tx *bolt.Tx, accountHash string) []string {
	v := tx.Bucket(bucketAccounts).Get([]byte(accountHash))
	if v == nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(v, &ids); err != nil {
		return nil
	}
	return ids
}

func writeAccountIndex(tx *bolt.Tx, accountHash string, ids []string) error {
	if len(ids) == 0 {
		return tx.Bucket(bucketAccounts).Delete([]byte(accountHash))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAccounts).Put([]byte(accountHash), data)
}
