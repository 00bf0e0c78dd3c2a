package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a download task.
type Status string

// Task lifecycle states.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusInjecting   Status = "injecting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Software describes the application a task downloads. Only BundleID and
// Version participate in deduplication; Name and BundleID drive file naming.
// The display fields ride along untouched.
type Software struct {
	ID       int64  `json:"id"`
	BundleID string `json:"bundleId"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	IconURL  string `json:"artworkUrl,omitempty"`
	Genre    string `json:"genre,omitempty"`
	Rating   string `json:"rating,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Sinf is one DRM signature blob, base64-encoded, with its position index.
type Sinf struct {
	ID   int    `json:"id"`
	Data string `json:"sinf"`
}

// Task is the persistent download task record. DownloadURL, Sinfs and
// ITunesMetadata are secrets: they are cleared when the task completes and
// never leave the store unsanitized.
type Task struct {
	ID             string    `json:"id"`
	Software       Software  `json:"software"`
	AccountHash    string    `json:"accountHash"`
	DownloadURL    string    `json:"downloadURL,omitempty"`
	Sinfs          []Sinf    `json:"sinfs,omitempty"`
	ITunesMetadata string    `json:"iTunesMetadata,omitempty"`
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	Speed          string    `json:"speed,omitempty"`
	Error          string    `json:"error,omitempty"`
	FileSize       int64     `json:"fileSize,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SanitizedTask is the outbound view of a task. It structurally cannot carry
// the secret fields.
type SanitizedTask struct {
	ID          string    `json:"id"`
	Software    Software  `json:"software"`
	AccountHash string    `json:"accountHash"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Speed       string    `json:"speed,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	HasFile     bool      `json:"hasFile"`
	FileSize    int64     `json:"fileSize,omitempty"`
}

// PublicTask is the unauthenticated by-UUID view used by install links.
type PublicTask struct {
	Software Software `json:"software"`
	HasFile  bool     `json:"hasFile"`
}

// CreateParams is the input of CreateTask.
type CreateParams struct {
	Software       Software `json:"software"`
	AccountHash    string   `json:"accountHash"`
	DownloadURL    string   `json:"downloadURL"`
	Sinfs          []Sinf   `json:"sinfs"`
	ITunesMetadata string   `json:"iTunesMetadata,omitempty"`
}

// CleanupConfig is the persisted janitor tunables record.
type CleanupConfig struct {
	AutoCleanupDays  int `json:"autoCleanupDays"`
	AutoCleanupMaxMB int `json:"autoCleanupMaxMB"`
}

// Sanitize converts a task to its outbound form, replacing the secret fields
// with hasFile/fileSize.
func (t *Task) Sanitize() SanitizedTask {
	return SanitizedTask{
		ID:          t.ID,
		Software:    t.Software,
		AccountHash: t.AccountHash,
		Status:      t.Status,
		Progress:    t.Progress,
		Speed:       t.Speed,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		HasFile:     t.Status == StatusCompleted,
		FileSize:    t.FileSize,
	}
}

// ArtifactKey is the deterministic blob store path for a task's package.
func ArtifactKey(accountHash, bundleID, taskID string) string {
	return fmt.Sprintf("packages/%s/%s/%s.ipa", accountHash, bundleID, taskID)
}

// TempArtifactKey is the sibling key used while injection rewrites the
// archive tail. It exists only during injection.
func TempArtifactKey(artifactKey string) string {
	return artifactKey + ".new"
}
