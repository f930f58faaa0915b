package billing

import (
	"fmt"
)

type ErrorCode uint8

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeConnectionTransient
	ErrorCodeConnectionTerminal
	ErrorCodePurchaseNotAllowed
	ErrorCodePurchaseInvalid
	ErrorCodePurchaseCancelled
	ErrorCodeStoreProblem
	ErrorCodeProductNotAvailable
	ErrorCodeProductAlreadyPurchased
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConnectionTransient:
		return "connection_transient"
	case ErrorCodeConnectionTerminal:
		return "connection_terminal"
	case ErrorCodePurchaseNotAllowed:
		return "purchase_not_allowed"
	case ErrorCodePurchaseInvalid:
		return "purchase_invalid"
	case ErrorCodePurchaseCancelled:
		return "purchase_cancelled"
	case ErrorCodeStoreProblem:
		return "store_problem"
	case ErrorCodeProductNotAvailable:
		return "product_not_available"
	case ErrorCodeProductAlreadyPurchased:
		return "product_already_purchased"
	default:
		return "unknown"
	}
}

// Error is the classified error delivered to caller error continuations.
type Error struct {
	Code     ErrorCode
	Message  string
	Response ResponseCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// ErrorForResult classifies a failed platform result for an operation.
func ErrorForResult(result Result, message string) *Error {
	if len(result.DebugMessage) > 0 {
		message = fmt.Sprintf("%s (%s: %s)", message, result.Code, result.DebugMessage)
	} else {
		message = fmt.Sprintf("%s (%s)", message, result.Code)
	}
	return &Error{
		Code:     ErrorCodeForResponse(result.Code),
		Message:  message,
		Response: result.Code,
	}
}

// ErrorCodeForResponse maps platform response codes onto the caller-facing
// taxonomy.
func ErrorCodeForResponse(code ResponseCode) ErrorCode {
	switch code {
	case ResponseUserCanceled:
		return ErrorCodePurchaseCancelled
	case ResponseServiceDisconnected:
		return ErrorCodeConnectionTransient
	case ResponseServiceTimeout, ResponseServiceUnavailable, ResponseError, ResponseNetworkError:
		return ErrorCodeStoreProblem
	case ResponseFeatureNotSupported, ResponseBillingUnavailable, ResponseItemNotOwned:
		return ErrorCodePurchaseNotAllowed
	case ResponseItemUnavailable:
		return ErrorCodeProductNotAvailable
	case ResponseDeveloperError:
		return ErrorCodePurchaseInvalid
	case ResponseItemAlreadyOwned:
		return ErrorCodeProductAlreadyPurchased
	default:
		return ErrorCodeUnknown
	}
}

// connectionError is surfaced to queued operations when a connection attempt
// fails with a code that will not be retried.
func connectionError(code ResponseCode) *Error {
	return &Error{
		Code:     ErrorCodeConnectionTerminal,
		Message:  fmt.Sprintf("billing service connection failed (%s)", code),
		Response: code,
	}
}
