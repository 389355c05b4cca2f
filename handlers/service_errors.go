package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/credits"
	"github.com/upb/llm-gateway/services/routing"
	"github.com/upb/llm-gateway/utils"
)

// statusClientClosedRequest is the nginx convention for a caller that went away
const statusClientClosedRequest = 499

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var (
		denial    *credits.InsufficientCreditsError
		exhausted *routing.ExhaustedError
		writeErr  error
	)
	details := services.GetErrorDetails(err)

	switch {
	case errors.As(err, &denial):
		writeErr = utils.WritePaymentRequired(w, denial.Error(), denial)

	case errors.As(err, &exhausted):
		writeErr = utils.WriteBadGateway(w, exhausted.Error(), exhausted)

	case errors.Is(err, context.Canceled):
		logger.Info("request canceled by caller", zap.Error(err))
		writeErr = utils.WriteJSON(w, statusClientClosedRequest, utils.ErrorResponse{
			Error:   "canceled",
			Message: "request canceled",
		})

	case errors.Is(err, context.DeadlineExceeded):
		writeErr = utils.WriteJSON(w, http.StatusGatewayTimeout, utils.ErrorResponse{
			Error:   "timeout",
			Message: "request timed out",
		})

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, err.Error())

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, err.Error())

	case services.IsInsufficientCreditsError(err):
		writeErr = utils.WritePaymentRequired(w, err.Error(), details)

	case services.IsProvidersExhaustedError(err):
		writeErr = utils.WriteBadGateway(w, err.Error(), details)

	case services.IsCatalogUnavailableError(err):
		logger.Warn("catalog unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "Model catalog is temporarily unavailable")

	case services.IsConflictError(err):
		writeErr = utils.WriteConflict(w, err.Error(), details)

	case services.IsInternalError(err):
		// log the cause, return a generic message
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
