package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/objectives"
	"github.com/copyleftdev/parzen/internal/study"
)

// writeJSON encodes body with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError maps err to an HTTP status and writes {"error": ...}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrConfiguration):
		code = http.StatusBadRequest
	case errors.Is(err, errStudyNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errStudyTerminal):
		code = http.StatusConflict
	}
	s.writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
	})
}

// handleObjectives handles GET /objectives
func (s *Server) handleObjectives(w http.ResponseWriter, r *http.Request) {
	all := objectives.All()
	out := make([]map[string]interface{}, len(all))
	for i, d := range all {
		params := []string{}
		for _, v := range d.Space().Flatten() {
			params = append(params, v.Path)
		}
		entry := map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		}
		if !math.IsNaN(d.Minimum) {
			entry["minimum"] = d.Minimum
		}
		out[i] = entry
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleCreateStudy handles POST /studies. The body is a study definition.
func (s *Server) handleCreateStudy(w http.ResponseWriter, r *http.Request) {
	var def study.Definition
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	state, err := s.startStudy(def)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"study_id": state.ID,
		"status":   StatusPending,
	})
}

// handleListStudies handles GET /studies
func (s *Server) handleListStudies(w http.ResponseWriter, r *http.Request) {
	s.studiesMu.RLock()
	ids := make([]string, 0, len(s.studies))
	for id := range s.studies {
		ids = append(ids, id)
	}
	s.studiesMu.RUnlock()
	sort.Strings(ids)

	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		st, err := s.studyStatus(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleStudyStatus handles GET /studies/{id}
func (s *Server) handleStudyStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.studyStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleStudyTrials handles GET /studies/{id}/trials
func (s *Server) handleStudyTrials(w http.ResponseWriter, r *http.Request) {
	result, err := s.studyTrials(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleCancelStudy handles DELETE /studies/{id}
func (s *Server) handleCancelStudy(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelStudy(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}
