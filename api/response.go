package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"controlplane/common"
	"controlplane/controller"
)

// APIResponse is the body of every non-metrics response.
type APIResponse struct {
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Path    []uint64    `json:"path,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func RespondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to marshal JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(statusCode)
	w.Write(response)
}

func RespondWithError(w http.ResponseWriter, statusCode int, message string) {
	RespondWithJSON(w, statusCode, APIResponse{Error: message})
}

func RespondWithSuccess(w http.ResponseWriter, message string, path common.Path, data interface{}) {
	resp := APIResponse{Status: "success", Message: message, Data: data}
	for _, sw := range path {
		resp.Path = append(resp.Path, uint64(sw))
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// statusFor maps control-loop errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrNoSwitches):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrStale), errors.Is(err, common.ErrNoPath):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrAlreadyActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
