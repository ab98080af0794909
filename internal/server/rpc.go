package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/study"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type studyIDParams struct {
	StudyID string `json:"study_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "study.start":
		result, err = s.rpcStudyStart(request.Params)
	case "study.status":
		result, err = s.rpcStudyStatus(request.Params)
	case "study.trials":
		result, err = s.rpcStudyTrials(request.Params)
	case "study.cancel":
		result, err = s.rpcStudyCancel(request.Params)
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code, message := rpcServerError, "Server error"
		if errors.Is(err, errors.ErrConfiguration) {
			code, message = rpcInvalidParams, "Invalid params"
		}
		s.respondWithErrorData(w, code, message, request.ID, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams accepts either a params object or a one-element array
// holding it.
func decodeParams(raw json.RawMessage, into interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errors.Configurationf("rpc", "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return errors.Configurationf("rpc", "invalid parameters: %v", err)
		}
		if len(list) != 1 {
			return errors.Configurationf("rpc", "expected exactly one parameter object, got %d", len(list))
		}
		raw = list[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Configurationf("rpc", "invalid parameters: %v", err)
	}
	return nil
}

func decodeStudyID(raw json.RawMessage) (string, error) {
	var p studyIDParams
	if err := decodeParams(raw, &p); err != nil {
		return "", err
	}
	if p.StudyID == "" {
		return "", errors.Configurationf("rpc", "study_id is required")
	}
	return p.StudyID, nil
}

// rpcStudyStart handles study.start. Params are a study definition.
// Returns: {"study_id": "...", "status": "pending"}
func (s *Server) rpcStudyStart(raw json.RawMessage) (interface{}, error) {
	var def study.Definition
	if err := decodeParams(raw, &def); err != nil {
		return nil, err
	}
	state, err := s.startStudy(def)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"study_id": state.ID,
		"status":   StatusPending,
	}, nil
}

// rpcStudyStatus handles study.status with {"study_id": "..."}.
func (s *Server) rpcStudyStatus(raw json.RawMessage) (interface{}, error) {
	id, err := decodeStudyID(raw)
	if err != nil {
		return nil, err
	}
	return s.studyStatus(id)
}

// rpcStudyTrials handles study.trials with {"study_id": "..."}.
func (s *Server) rpcStudyTrials(raw json.RawMessage) (interface{}, error) {
	id, err := decodeStudyID(raw)
	if err != nil {
		return nil, err
	}
	return s.studyTrials(id)
}

// rpcStudyCancel handles study.cancel with {"study_id": "..."}.
func (s *Server) rpcStudyCancel(raw json.RawMessage) (interface{}, error) {
	id, err := decodeStudyID(raw)
	if err != nil {
		return nil, err
	}
	if err := s.cancelStudy(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"study_id": id,
		"status":   StatusCancelled,
	}, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.respondWithErrorData(w, code, message, id, "")
}

func (s *Server) respondWithErrorData(w http.ResponseWriter, code int, message string, id interface{}, data string) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
		"detail":  data,
	})

	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != "" {
		errObj["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   errObj,
		"id":      id,
	}); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": fmt.Sprint(err),
		})
	}
}
