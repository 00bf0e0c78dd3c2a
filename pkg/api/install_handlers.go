package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"howett.net/plist"
)

// Install manifest structure consumed by itms-services.
type installManifest struct {
	Items []installItem `plist:"items"`
}

type installItem struct {
	Assets   []installAsset  `plist:"assets"`
	Metadata installMetadata `plist:"metadata"`
}

type installAsset struct {
	Kind string `plist:"kind"`
	URL  string `plist:"url"`
}

type installMetadata struct {
	BundleIdentifier string `plist:"bundle-identifier"`
	BundleVersion    string `plist:"bundle-version"`
	Kind             string `plist:"kind"`
	Title            string `plist:"title"`
}

// handleInstallManifest serves the over-the-air install manifest. Public:
// the unguessable task UUID is the only secret.
func (s *Server) handleInstallManifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.store.GetTaskPublic(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil || !task.HasFile {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}

	manifest := installManifest{
		Items: []installItem{{
			Assets: []installAsset{{
				Kind: "software-package",
				URL:  "https://" + r.Host + "/api/install/" + id + "/payload.ipa",
			}},
			Metadata: installMetadata{
				BundleIdentifier: task.Software.BundleID,
				BundleVersion:    task.Software.Version,
				Kind:             "software",
				Title:            task.Software.Name,
			},
		}},
	}

	out, err := plist.MarshalIndent(manifest, plist.XMLFormat, "\t")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build manifest")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(out)
}

// handleInstallPayload serves the package body for an install link.
func (s *Server) handleInstallPayload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	key, err := s.store.GetR2KeyPublic(id)
	if err != nil || key == "" {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}

	if s.opts.CDNDomain != "" {
		http.Redirect(w, r, "https://"+s.opts.CDNDomain+"/"+key, http.StatusFound)
		return
	}
	s.streamObject(w, r, key)
}

// streamObject copies a blob to the response in ranged chunks; the store
// interface has no streaming reader.
func (s *Server) streamObject(w http.ResponseWriter, r *http.Request, key string) {
	info, err := s.blobs.Head(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusNotFound, "package file not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))

	const chunkSize = int64(4 << 20)
	for off := int64(0); off < info.Size; {
		length := chunkSize
		if off+length > info.Size {
			length = info.Size - off
		}
		chunk, err := s.blobs.ReadRange(r.Context(), key, off, length)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("package stream aborted")
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		off += length
	}
}
