package janitor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
)

type noopRunner struct{}

func (noopRunner) Start(ctx context.Context, task store.Task) { <-ctx.Done() }

func newFixture(t *testing.T, defaults store.CleanupConfig) (*store.Store, *blob.MemoryStore, *Janitor) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), blobs, defaults, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.SetRunner(noopRunner{})

	return st, blobs, New(st, blobs, zerolog.Nop())
}

// addCompletedTask creates a task, uploads sizeMB of artifact bytes and marks
// it completed. Returns the task id.
func addCompletedTask(t *testing.T, st *store.Store, blobs *blob.MemoryStore, n, sizeMB int) string {
	t.Helper()
	created, err := st.CreateTask(store.CreateParams{
		Software: store.Software{
			ID:       int64(n),
			BundleID: fmt.Sprintf("com.example.app%d", n),
			Name:     fmt.Sprintf("App %d", n),
			Version:  "1.0",
		},
		AccountHash: "abcdef0123456789",
		DownloadURL: "https://iosapps.itunes.apple.com/pkg.ipa",
	})
	require.NoError(t, err)

	key := store.ArtifactKey("abcdef0123456789", fmt.Sprintf("com.example.app%d", n), created.ID)
	require.NoError(t, blobs.Put(context.Background(), key, make([]byte, sizeMB<<20)))
	require.NoError(t, st.CompleteTask(created.ID, key, int64(sizeMB)<<20))
	return created.ID
}

func TestQuotaPhasePurgesOldestFirst(t *testing.T) {
	st, blobs, j := newFixture(t, store.CleanupConfig{AutoCleanupDays: 0, AutoCleanupMaxMB: 5})

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, addCompletedTask(t, st, blobs, i, 1))
		time.Sleep(2 * time.Millisecond) // distinct createdAt ordering
	}

	report, err := j.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.AgePurged)
	assert.Equal(t, 5, report.QuotaPurged)
	assert.InDelta(t, 10.0, report.TotalMBBefore, 0.01)
	assert.InDelta(t, 5.0, report.TotalMBAfter, 0.01)

	// The five oldest are gone, the five newest survive.
	for _, id := range ids[:5] {
		_, err := st.GetTask(id, "abcdef0123456789")
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	for _, id := range ids[5:] {
		_, err := st.GetTask(id, "abcdef0123456789")
		assert.NoError(t, err)
	}
}

func TestAgePhase(t *testing.T) {
	st, blobs, j := newFixture(t, store.CleanupConfig{AutoCleanupDays: 7, AutoCleanupMaxMB: 0})

	first := addCompletedTask(t, st, blobs, 0, 1)
	second := addCompletedTask(t, st, blobs, 1, 1)

	// Advance the clock past the 7-day cutoff; both tasks age out.
	j.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	report, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.AgePurged)

	_, err = st.GetTask(first, "abcdef0123456789")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTask(second, "abcdef0123456789")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgePhaseSkippedWhenDaysZero(t *testing.T) {
	st, blobs, j := newFixture(t, store.CleanupConfig{AutoCleanupDays: 0, AutoCleanupMaxMB: 0})

	id := addCompletedTask(t, st, blobs, 0, 1)
	j.now = func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }

	report, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.AgePurged)

	_, err = st.GetTask(id, "abcdef0123456789")
	assert.NoError(t, err)
}

func TestOrphanSweep(t *testing.T) {
	st, blobs, j := newFixture(t, store.CleanupConfig{})
	ctx := context.Background()

	id := addCompletedTask(t, st, blobs, 0, 1)
	recordedKey := store.ArtifactKey("abcdef0123456789", "com.example.app0", id)

	// Stragglers: an abandoned temp object and a key from an erased task.
	require.NoError(t, blobs.Put(ctx, recordedKey+".new", []byte("half-injected")))
	require.NoError(t, blobs.Put(ctx, "packages/gone/com.old.app/dead.ipa", []byte("dead")))

	report, err := j.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.OrphansDeleted)

	_, err = blobs.Head(ctx, recordedKey)
	assert.NoError(t, err, "referenced artifact survives")
	_, err = blobs.Head(ctx, recordedKey+".new")
	assert.True(t, blob.IsNotFound(err))
	_, err = blobs.Head(ctx, "packages/gone/com.old.app/dead.ipa")
	assert.True(t, blob.IsNotFound(err))
}

func TestPurgeCancelsInFlightDownload(t *testing.T) {
	st, _, j := newFixture(t, store.CleanupConfig{AutoCleanupDays: 1, AutoCleanupMaxMB: 0})

	created, err := st.CreateTask(store.CreateParams{
		Software:    store.Software{BundleID: "com.example.live", Version: "1.0"},
		AccountHash: "abcdef0123456789",
		DownloadURL: "https://iosapps.itunes.apple.com/pkg.ipa",
	})
	require.NoError(t, err)
	require.NoError(t, st.MarkDownloading(created.ID))

	j.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	report, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AgePurged)

	_, err = st.GetTask(created.ID, "abcdef0123456789")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
