package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	EntitlementErrorBadInput               = "ENTITLEMENT_BAD_INPUT"
	EntitlementErrorAlreadyProcessed       = "ENTITLEMENT_ALREADY_PROCESSED"
	EntitlementErrorInsufficientBalance    = "ENTITLEMENT_INSUFFICIENT_BALANCE"
	EntitlementErrorInvalidRenewal         = "ENTITLEMENT_INVALID_RENEWAL"
	EntitlementErrorNotFound               = "ENTITLEMENT_NOT_FOUND"
	EntitlementErrorProvisionerUnavailable = "ENTITLEMENT_PROVISIONER_UNAVAILABLE"
	EntitlementErrorLedgerFailed           = "ENTITLEMENT_LEDGER_FAILED"
	EntitlementErrorInvariantViolation     = "ENTITLEMENT_INVARIANT_VIOLATION"
	EntitlementErrorInternal               = "ENTITLEMENT_INTERNAL_ERROR"
)

func entitlementErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureEntitlementErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "already processed"), strings.Contains(msg, "already claimed"):
		return newEntitlementError(err.Error(), goerrors.CategoryConflict, EntitlementErrorAlreadyProcessed)
	case strings.Contains(msg, "insufficient balance"), strings.Contains(msg, "balance would go negative"):
		return newEntitlementError(err.Error(), goerrors.CategoryConflict, EntitlementErrorInsufficientBalance)
	case strings.Contains(msg, "does not advance expiry"), strings.Contains(msg, "invalid renewal"):
		return newEntitlementError(err.Error(), goerrors.CategoryBadInput, EntitlementErrorInvalidRenewal)
	case strings.Contains(msg, "entitlement not found"):
		return newEntitlementError(err.Error(), goerrors.CategoryNotFound, EntitlementErrorNotFound)
	case strings.Contains(msg, "provisioner"), strings.Contains(msg, "circuit"):
		return newEntitlementError(err.Error(), goerrors.CategoryExternal, EntitlementErrorProvisionerUnavailable)
	case strings.Contains(msg, "invariant"):
		return newEntitlementError(err.Error(), goerrors.CategoryInternal, EntitlementErrorInvariantViolation)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newEntitlementError(err.Error(), goerrors.CategoryBadInput, EntitlementErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureEntitlementErrorEnvelope(mapped)
}

func newEntitlementError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureEntitlementErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureEntitlementErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = entitlementHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultEntitlementTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultEntitlementTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return EntitlementErrorBadInput
	case goerrors.CategoryNotFound:
		return EntitlementErrorNotFound
	case goerrors.CategoryConflict:
		return EntitlementErrorAlreadyProcessed
	case goerrors.CategoryExternal:
		return EntitlementErrorProvisionerUnavailable
	case goerrors.CategoryOperation:
		return EntitlementErrorLedgerFailed
	default:
		return EntitlementErrorInternal
	}
}

func entitlementHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// IsTransientExternal reports whether the error came from the external
// provisioner and the operation may be retried later.
func IsTransientExternal(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryExternal
	}
	return false
}

// IsRejection reports whether the error represents a no-mutation rejection
// (duplicate trigger, insufficient balance, invalid renewal window).
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryConflict, goerrors.CategoryBadInput, goerrors.CategoryValidation:
			return true
		}
	}
	return false
}
