package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodeForResponse(t *testing.T) {
	for code, expected := range map[ResponseCode]ErrorCode{
		ResponseServiceTimeout:      ErrorCodeStoreProblem,
		ResponseFeatureNotSupported: ErrorCodePurchaseNotAllowed,
		ResponseServiceDisconnected: ErrorCodeConnectionTransient,
		ResponseOK:                  ErrorCodeUnknown,
		ResponseUserCanceled:        ErrorCodePurchaseCancelled,
		ResponseServiceUnavailable:  ErrorCodeStoreProblem,
		ResponseBillingUnavailable:  ErrorCodePurchaseNotAllowed,
		ResponseItemUnavailable:     ErrorCodeProductNotAvailable,
		ResponseDeveloperError:      ErrorCodePurchaseInvalid,
		ResponseError:               ErrorCodeStoreProblem,
		ResponseItemAlreadyOwned:    ErrorCodeProductAlreadyPurchased,
		ResponseItemNotOwned:        ErrorCodePurchaseNotAllowed,
		ResponseNetworkError:        ErrorCodeStoreProblem,
		ResponseCode(42):            ErrorCodeUnknown,
	} {
		require.Equal(t, expected, ErrorCodeForResponse(code), code.String())
	}
}

func TestErrorForResult(t *testing.T) {
	err := ErrorForResult(Result{Code: ResponseUserCanceled, DebugMessage: "dismissed"}, "error launching billing flow")
	require.Equal(t, ErrorCodePurchaseCancelled, err.Code)
	require.Equal(t, ResponseUserCanceled, err.Response)
	require.Equal(t, "error launching billing flow (USER_CANCELED: dismissed)", err.Message)
	require.Equal(t, "purchase_cancelled: error launching billing flow (USER_CANCELED: dismissed)", err.Error())

	err = ErrorForResult(Result{Code: ResponseItemUnavailable}, "error fetching product details")
	require.Equal(t, "error fetching product details (ITEM_UNAVAILABLE)", err.Message)

	err = connectionError(ResponseDeveloperError)
	require.Equal(t, ErrorCodeConnectionTerminal, err.Code)
	require.Equal(t, ResponseDeveloperError, err.Response)
}

func TestParseResponseCode(t *testing.T) {
	for _, code := range AllResponseCodes() {
		parsed, err := ParseResponseCode(code.String())
		require.NoError(t, err)
		require.Equal(t, code, parsed)
	}

	parsed, err := ParseResponseCode(" service_unavailable ")
	require.NoError(t, err)
	require.Equal(t, ResponseServiceUnavailable, parsed)

	_, err = ParseResponseCode("NOT_A_CODE")
	require.Error(t, err)

	require.Equal(t, "RESPONSE_CODE(42)", ResponseCode(42).String())
}
