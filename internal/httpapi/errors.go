package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"genomed/internal/fault"
	"genomed/internal/manager"
	"genomed/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	switch {
	case manager.IsGenomeNotFound(err), errors.Is(err, fault.LayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.IncompatibleFormat), errors.Is(err, fault.IncompatibleLayers), errors.Is(err, fault.LayerCorrupt):
		return http.StatusUnprocessableEntity
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes err as an ErrorResponse, attaching the kind and any
// diagnostics snapshot it carries.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	if k := fault.KindOf(err); k != fault.KindUnknown {
		resp.Kind = k.String()
	}
	if snap, ok := fault.SnapshotOf(err); ok {
		if d, ok := snap.(*types.Diagnostics); ok {
			resp.Diagnostics = d
		}
	}
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(resp.Kind)
	}
	writeJSON(w, status, resp)
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
