package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

const maxBodyBytes = 8 << 20

type submitRunRequest struct {
	Inputs []domain.ArtifactRef    `json:"inputs"`
	Config map[string]interface{} `json:"config,omitempty"`
	// Sync waits for the run to finish before responding.
	Sync bool `json:"sync,omitempty"`
}

type cancelJobResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

type healthResponse struct {
	Status         string `json:"status"`
	Ready          bool   `json:"ready"`
	QueueEnabled   bool   `json:"queue_enabled"`
	QueueAvailable bool   `json:"queue_available"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Type    string   `json:"type"`
	Details []string `json:"details,omitempty"`
}

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("rate limited")
)

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("failed to read body: " + err.Error())
	}
	if len(data) == 0 {
		return badRequest("request body is required")
	}
	if err := xjson.Unmarshal(data, dst); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func badRequest(message string) error {
	return domain.Error{
		Type:    domain.ErrorTypeValidation,
		Message: message,
		Cause:   errBadRequest,
	}
}

func rateLimited(client string) error {
	return domain.Error{
		Type:    domain.ErrorTypeUnavailable,
		Message: "too many submissions",
		Details: map[string]interface{}{"client": client},
		Cause:   errRateLimited,
	}
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, badRequest("limit must be a non-negative integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = xjson.NewEncoder(w).Encode(data)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error(), Type: string(domain.ErrorTypeInternal)}

	var (
		validation *domain.ValidationError
		cycle      *domain.CycleError
		typed      domain.Error
	)

	switch {
	case errors.Is(err, errBadRequest):
		resp.Type = "bad_request"
		return http.StatusBadRequest, resp
	case errors.Is(err, errRateLimited):
		resp.Type = "rate_limited"
		return http.StatusTooManyRequests, resp
	case errors.As(err, &cycle):
		resp.Type = "cycle"
		resp.Details = cycle.Nodes
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &validation):
		resp.Type = string(domain.ErrorTypeValidation)
		resp.Details = validation.Problems
		return http.StatusUnprocessableEntity, resp
	case domain.IsValidation(err):
		resp.Type = string(domain.ErrorTypeValidation)
		return http.StatusUnprocessableEntity, resp
	case domain.IsNotFound(err):
		resp.Type = string(domain.ErrorTypeNotFound)
		return http.StatusNotFound, resp
	case domain.IsQueueUnavailable(err):
		resp.Type = string(domain.ErrorTypeUnavailable)
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &typed) && typed.Type == domain.ErrorTypeConflict:
		resp.Type = string(domain.ErrorTypeConflict)
		return http.StatusConflict, resp
	}
	return http.StatusInternalServerError, resp
}
