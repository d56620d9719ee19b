package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
)

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps any error to the wire exactly once. Application errors
// carry their own status and code; everything else is an opaque 500.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.StatusCode, errorResponse{Error: errorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}})
		return
	}
	logger.Error("unhandled error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{
		Code:    "UNAUTHORIZED",
		Message: message,
	}})
}
