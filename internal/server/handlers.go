package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// maxUploadBytes bounds uploaded strategy files.
const maxUploadBytes = 1 << 20

// decodeDeploySpec reads a deploy spec from JSON or YAML depending on the
// request content type.
func decodeDeploySpec(r *http.Request) (domain.DeploySpec, error) {
	var spec domain.DeploySpec
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return spec, fmt.Errorf("failed to read request body: %w", err)
	}

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		if err := yaml.Unmarshal(body, &spec); err != nil {
			return spec, fmt.Errorf("invalid yaml: %w", err)
		}
		return spec, nil
	}
	if err := json.Unmarshal(body, &spec); err != nil {
		return spec, fmt.Errorf("invalid json: %w", err)
	}
	return spec, nil
}

func (s *Server) handleDeployValidate(w http.ResponseWriter, r *http.Request) {
	spec, err := decodeDeploySpec(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false, "errors": []string{err.Error()}})
		return
	}

	errs := s.sup.Validate(r.Context(), spec)
	if len(errs) > 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "errors": errs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "errors": []string{}})
}

func (s *Server) handleDeployStart(w http.ResponseWriter, r *http.Request) {
	spec, err := decodeDeploySpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.sup.Deploy(r.Context(), spec)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      id,
		"message": "strategy deployed",
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": s.sup.List()})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sup.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sup.Statistics(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": snap})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Pause(id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Resume(id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "resumed"})
}

type stopRequest struct {
	Liquidate bool `json:"liquidate"`
	Force     bool `json:"force"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stopRequest
	if r.Body != nil {
		// An empty body means default flags.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.sup.Stop(r.Context(), id, req.Liquidate, req.Force); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "stopped"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Remove(id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "removed"})
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"engines": s.engines.List()})
}

func (s *Server) handleUploadStrategy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	// Never trust the uploaded path: keep the base name only.
	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid file name"))
		return
	}

	dir := filepath.Join(s.dataDir, "strategies")
	if err := os.MkdirAll(dir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	dest := filepath.Join(dir, name)
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.log.Info().Str("path", dest).Msg("Strategy uploaded")
	writeJSON(w, http.StatusOK, map[string]string{"path": dest})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	if err := s.creds.Set(updates); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "configuration saved"})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.sched.JobNames()})
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("scheduler not configured"))
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.sched.Trigger(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "message": "triggered"})
}

// writeLifecycleError maps supervisor errors onto status codes.
func writeLifecycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrStrategyNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusConflict, err)
}
