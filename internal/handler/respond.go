package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"visiongate/internal/dto"
	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/queue"
)

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, logger *logger.Logger, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// writeError translates err into an HTTP status and a JSON error body.
func writeError(w http.ResponseWriter, logger *logger.Logger, err error) {
	code, body := errorResponse(err)
	if code >= http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	} else {
		logger.Warning("Request rejected: %v", err)
	}
	writeJSON(w, logger, code, body)
}

func errorResponse(err error) (int, dto.ErrorResponse) {
	var failed *queue.FailedError
	if errors.As(err, &failed) {
		return http.StatusUnprocessableEntity, dto.ErrorResponse{Error: failed.Kind, Message: failed.Detail}
	}

	code := model.ErrorCode(err)
	return statusForCode(code), dto.ErrorResponse{Error: code, Message: err.Error()}
}

func statusForCode(code string) int {
	switch code {
	case model.CodeNoImage, model.CodeDecode:
		return http.StatusBadRequest
	case model.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.CodeNotFound, model.CodeNotReady:
		return http.StatusNotFound
	case model.CodeConnectionRefused, model.CodeUnavailable:
		return http.StatusServiceUnavailable
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	case model.CodeEmptyResponse, model.CodePeerReset:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
