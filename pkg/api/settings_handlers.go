package api

import (
	"net/http"

	"github.com/TheEntropyCollective/orchard/pkg/store"
)

type settingsResponse struct {
	AutoCleanupDays  int     `json:"autoCleanupDays"`
	AutoCleanupMaxMB int     `json:"autoCleanupMaxMB"`
	StorageUsedMB    float64 `json:"storageUsedMB"`
	ObjectCount      int     `json:"objectCount"`
	BuildCommit      string  `json:"buildCommit,omitempty"`
	BuildDate        string  `json:"buildDate,omitempty"`
}

// handleGetSettings reports the cleanup tunables plus storage totals and
// build metadata. The response is built only from server-side state; request
// headers are never reflected.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}

	objects, err := s.blobs.List(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list storage")
		return
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}

	writeJSON(w, http.StatusOK, settingsResponse{
		AutoCleanupDays:  cfg.AutoCleanupDays,
		AutoCleanupMaxMB: cfg.AutoCleanupMaxMB,
		StorageUsedMB:    float64(total) / (1 << 20),
		ObjectCount:      len(objects),
		BuildCommit:      s.opts.BuildCommit,
		BuildDate:        s.opts.BuildDate,
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var cfg store.CleanupConfig
	if err := readJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.SetConfig(cfg); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
