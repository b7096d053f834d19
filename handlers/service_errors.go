package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	message := publicMessage(err)

	var writeErr error
	switch services.GetErrorType(err) {
	case services.ErrorTypeNotFound:
		writeErr = utils.WriteNotFound(w, message)

	case services.ErrorTypeValidation, services.ErrorTypePermanent:
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.ErrorTypeUnauthorized:
		writeErr = utils.WriteUnauthorized(w, message)

	case services.ErrorTypeForbidden:
		writeErr = utils.WriteForbidden(w, message)

	case services.ErrorTypeRateLimit, services.ErrorTypeBudget:
		writeErr = utils.WriteTooManyRequests(w, message, retryAfter(details), details)

	case services.ErrorTypeConflict:
		writeErr = utils.WriteConflict(w, message, details)

	case services.ErrorTypeUnavailable, services.ErrorTypeTransient:
		logger.Warn("dependency unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, message, 5*time.Second)

	case services.ErrorTypeIsolationViolation:
		// Details name tenants; they stay in the logs
		logger.Error("isolation violation surfaced to request", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "Processing halted", 0)

	case services.ErrorTypeSweepPartial:
		writeErr = utils.WriteJSON(w, http.StatusMultiStatus, utils.ErrorResponse{
			Error:   "sweep_partial",
			Message: message,
			Details: details,
		})

	case services.ErrorTypeInternal:
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
	var details map[string]interface{}
	message := err.Error()
	if fields := utils.GetValidationFields(err); fields != nil {
		details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		message = "Validation failed"
	}
	if err := utils.WriteBadRequest(w, message, details); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// publicMessage returns the domain message without the wrapped cause
func publicMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	return "request failed"
}

func retryAfter(details map[string]interface{}) time.Duration {
	if secs, ok := details["retry_after"].(int); ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}
