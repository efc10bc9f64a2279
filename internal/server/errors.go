package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/realtime"
	"github.com/smallbiznis/warung/internal/settlement"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Issues  any               `json:"issues,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// validationCodes are rejected operator input. The code doubles as the field
// hint: invalid_quantity → quantity.
var validationCodes = []error{
	ErrInvalidRequest,
	domain.ErrInvalidQuantity,
	domain.ErrInvalidIntent,
	domain.ErrInvalidProduct,
	domain.ErrInvalidPrice,
	domain.ErrInvalidTableNumber,
	realtime.ErrInvalidNotification,
	realtime.ErrUnknownEventType,
	realtime.ErrUnknownEntity,
	realtime.ErrMissingRecord,
}

// conflictCodes are refused because of what the table is doing right now.
var conflictCodes = []error{
	domain.ErrConcurrentCloseRejected,
	domain.ErrItemBusy,
	domain.ErrTableBusy,
	domain.ErrOrderAlreadyOpen,
	domain.ErrOrderNotOpen,
	domain.ErrTableOccupied,
	domain.ErrDuplicateTableNumber,
	domain.ErrEmptyOrder,
}

var notFoundCodes = []error{
	ErrNotFound,
	domain.ErrTableNotFound,
	domain.ErrOrderNotFound,
	domain.ErrItemNotFound,
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code := matchCode(err, validationCodes); code != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code.Error()),
					Code:    code.Error(),
					Message: "invalid value",
				},
			},
		}
	}

	var cerr *settlement.ConfirmError
	if errors.As(err, &cerr) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "settlement_rejected",
			Message: cerr.Error(),
			Issues:  settlementIssues(cerr),
		}
	}

	if code := matchCode(err, conflictCodes); code != nil {
		return http.StatusConflict, errorPayload{
			Type:    code.Error(),
			Message: "conflict",
		}
	}

	switch {
	case matchCode(err, notFoundCodes) != nil:
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "payload_too_large",
			Message: "request body too large",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, domain.ErrRemoteWriteFailed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "remote_write_failed",
			Message: "change was not saved; try again",
		}
	case errors.Is(err, domain.ErrRemoteUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func matchCode(err error, codes []error) error {
	for _, code := range codes {
		if errors.Is(err, code) {
			return code
		}
	}
	return nil
}

func settlementIssues(cerr *settlement.ConfirmError) gin.H {
	issues := gin.H{}
	if len(cerr.Items) > 0 {
		issues["items"] = cerr.Items
	}
	if len(cerr.Accounts) > 0 {
		issues["accounts"] = cerr.Accounts
	}
	if cerr.Empty {
		issues["empty"] = true
	}
	return issues
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request", "invalid_intent":
		return "request"
	case "invalid_notification", "unknown_event_type", "unknown_entity", "missing_record":
		return "notification"
	}
	return strings.TrimPrefix(code, "invalid_")
}

// classifyErrorForLog reports the response type and the sentinel code for
// request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return http.StatusText(status), code
}
