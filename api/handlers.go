package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"argus/core"
	"argus/storage"
)

// ingestResponse summarizes a POST /events call.
type ingestResponse struct {
	Accepted   int              `json:"accepted"`
	Rejected   int              `json:"rejected"`
	Suppressed int              `json:"suppressed"`
	Results    []*ingestOutcome `json:"results,omitempty"`
}

type ingestOutcome struct {
	EventID   string `json:"event_id"`
	Incidents int    `json:"incidents"`
	Findings  int    `json:"findings"`
}

// ingestEvents accepts a single JSON object or an array of objects and
// feeds them through the pipeline.
func (a *API) ingestEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.bodyLimit)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", err, a.logger)
		return
	}

	payloads, err := decodePayloads(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object or array of objects", err, a.logger)
		return
	}
	if len(payloads) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch", nil, a.logger)
		return
	}

	results, rejected := a.pipeline.ProcessBatch(r.Context(), payloads)

	resp := ingestResponse{Accepted: len(results), Rejected: rejected}
	for _, res := range results {
		resp.Suppressed += res.Suppressed
		resp.Results = append(resp.Results, &ingestOutcome{
			EventID:   res.Event.EventID,
			Incidents: len(res.Incidents),
			Findings:  len(res.Findings),
		})
	}

	status := http.StatusAccepted
	if len(results) == 0 {
		// Nothing in the batch survived normalization.
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp, a.logger)
}

func decodePayloads(raw json.RawMessage) ([]map[string]interface{}, error) {
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var batch []map[string]interface{}
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single map[string]interface{}
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []map[string]interface{}{single}, nil
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

func (a *API) getStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.Statistics(), a.logger)
}

func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	incidents, err := a.incidents.ListIncidents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list incidents", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, incidents, a.logger)
}

func (a *API) listFindings(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	findings, err := a.incidents.ListFindings(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list findings", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, findings, a.logger)
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rules, err := a.rules.ListRules(r.Context(), enabledOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rules, a.logger)
}

// createRule persists a rule and registers it with the live engine.
// Re-posting an existing rule ID updates it in place.
func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.bodyLimit)

	var rule core.CorrelationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body", err, a.logger)
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	if err := a.rules.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule", err, a.logger)
		return
	}
	if rule.Enabled {
		if err := a.engine.RegisterRule(&rule); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to register rule", err, a.logger)
			return
		}
	} else {
		a.engine.UnregisterRule(rule.ID)
	}
	a.logger.Infow("Correlation rule saved", "rule_id", rule.ID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, &rule, a.logger)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, err := a.rules.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load rule", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rule, a.logger)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.rules.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete rule", err, a.logger)
		return
	}
	a.engine.UnregisterRule(id)
	a.logger.Infow("Correlation rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}

func paginationParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error, logger *zap.SugaredLogger) {
	if err != nil && status >= 500 {
		logger.Errorw("Request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: message}, logger)
}
