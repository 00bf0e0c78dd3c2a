package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/TheEntropyCollective/orchard/pkg/store"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var params store.CreateParams
	if err := readJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.store.CreateTask(params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	hashes := splitHashes(r.URL.Query().Get("accountHashes"))
	if len(hashes) == 0 {
		writeError(w, http.StatusBadRequest, "accountHashes is required")
		return
	}

	tasks, err := s.store.ListTasks(hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []store.SanitizedTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hash := r.URL.Query().Get("accountHash")

	task, err := s.store.GetTask(id, hash)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.store.PauseTask)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.store.ResumeTask)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(id, hash string) (bool, error)) {
	id := mux.Vars(r)["id"]
	hash := r.URL.Query().Get("accountHash")

	ok, err := apply(id, hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state transition failed")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "task is not in a state that allows this transition")
		return
	}

	task, err := s.store.GetTask(id, hash)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hash := r.URL.Query().Get("accountHash")

	ok, err := s.store.DeleteTask(r.Context(), id, hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	hashes := splitHashes(r.URL.Query().Get("accountHashes"))
	if len(hashes) == 0 {
		writeError(w, http.StatusBadRequest, "accountHashes is required")
		return
	}

	tasks, err := s.store.ListTasks(hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list packages")
		return
	}

	packages := []store.SanitizedTask{}
	for _, task := range tasks {
		if task.Status == store.StatusCompleted {
			packages = append(packages, task)
		}
	}
	writeJSON(w, http.StatusOK, packages)
}

func (s *Server) handlePackageFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hash := r.URL.Query().Get("accountHash")

	task, err := s.store.GetTask(id, hash)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task.Status != store.StatusCompleted {
		writeError(w, http.StatusConflict, "package is not ready")
		return
	}

	key, err := s.store.GetR2KeyPublic(id)
	if err != nil || key == "" {
		writeError(w, http.StatusNotFound, "package file not found")
		return
	}

	if s.opts.CDNDomain != "" {
		http.Redirect(w, r, "https://"+s.opts.CDNDomain+"/"+key, http.StatusFound)
		return
	}

	filename := sanitizeFilename(task.Software.Name) + "_" + sanitizeFilename(task.Software.Version) + ".ipa"
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	s.streamObject(w, r, key)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("task rpc failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func splitHashes(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// sanitizeFilename keeps word characters, dots and dashes; everything else
// becomes an underscore so the Content-Disposition header stays well-formed.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "package"
	}
	return b.String()
}
