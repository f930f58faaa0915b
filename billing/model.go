package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ResponseCode is the result code reported by the platform billing service.
type ResponseCode int

const (
	ResponseServiceTimeout      ResponseCode = -3
	ResponseFeatureNotSupported ResponseCode = -2
	ResponseServiceDisconnected ResponseCode = -1
	ResponseOK                  ResponseCode = 0
	ResponseUserCanceled        ResponseCode = 1
	ResponseServiceUnavailable  ResponseCode = 2
	ResponseBillingUnavailable  ResponseCode = 3
	ResponseItemUnavailable     ResponseCode = 4
	ResponseDeveloperError      ResponseCode = 5
	ResponseError               ResponseCode = 6
	ResponseItemAlreadyOwned    ResponseCode = 7
	ResponseItemNotOwned        ResponseCode = 8
	ResponseNetworkError        ResponseCode = 12
)

var responseCodeNames = map[ResponseCode]string{
	ResponseServiceTimeout:      "SERVICE_TIMEOUT",
	ResponseFeatureNotSupported: "FEATURE_NOT_SUPPORTED",
	ResponseServiceDisconnected: "SERVICE_DISCONNECTED",
	ResponseOK:                  "OK",
	ResponseUserCanceled:        "USER_CANCELED",
	ResponseServiceUnavailable:  "SERVICE_UNAVAILABLE",
	ResponseBillingUnavailable:  "BILLING_UNAVAILABLE",
	ResponseItemUnavailable:     "ITEM_UNAVAILABLE",
	ResponseDeveloperError:      "DEVELOPER_ERROR",
	ResponseError:               "ERROR",
	ResponseItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	ResponseItemNotOwned:        "ITEM_NOT_OWNED",
	ResponseNetworkError:        "NETWORK_ERROR",
}

// AllResponseCodes lists every response code the platform is known to emit.
func AllResponseCodes() []ResponseCode {
	return []ResponseCode{
		ResponseServiceTimeout,
		ResponseFeatureNotSupported,
		ResponseServiceDisconnected,
		ResponseOK,
		ResponseUserCanceled,
		ResponseServiceUnavailable,
		ResponseBillingUnavailable,
		ResponseItemUnavailable,
		ResponseDeveloperError,
		ResponseError,
		ResponseItemAlreadyOwned,
		ResponseItemNotOwned,
		ResponseNetworkError,
	}
}

func (c ResponseCode) String() string {
	name, ok := responseCodeNames[c]
	if !ok {
		return fmt.Sprintf("RESPONSE_CODE(%d)", int(c))
	}
	return name
}

// ParseResponseCode parses the names produced by ResponseCode.String.
func ParseResponseCode(name string) (ResponseCode, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for code, codeName := range responseCodeNames {
		if codeName == name {
			return code, nil
		}
	}
	return 0, errors.Errorf("unknown response code %q", name)
}

// Result is what the platform hands to every listener.
type Result struct {
	Code         ResponseCode
	DebugMessage string
}

func (r Result) IsOK() bool {
	return r.Code == ResponseOK
}

func OKResult() Result {
	return Result{Code: ResponseOK}
}

type ProductType uint8

const (
	ProductTypeUnknown ProductType = iota
	ProductTypeSubs
	ProductTypeInApp
)

func (t ProductType) String() string {
	switch t {
	case ProductTypeSubs:
		return "subs"
	case ProductTypeInApp:
		return "inapp"
	default:
		return "unknown"
	}
}

type PurchaseState uint8

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	default:
		return "unspecified"
	}
}

// ProrationMode governs credit and charge adjustment when one subscription
// replaces another.
type ProrationMode int

const (
	ProrationModeUnknown                         ProrationMode = 0
	ProrationModeImmediateWithTimeProration      ProrationMode = 1
	ProrationModeImmediateAndChargeProratedPrice ProrationMode = 2
	ProrationModeImmediateWithoutProration       ProrationMode = 3
	ProrationModeDeferred                        ProrationMode = 4
	ProrationModeImmediateAndChargeFullPrice     ProrationMode = 5
)

// PlatformPurchase is a purchase as reported by the platform service.
type PlatformPurchase struct {
	ProductIDs    []string
	PurchaseToken string
	OrderID       string
	PurchaseTime  time.Time
	State         PurchaseState
	Acknowledged  bool
	OriginalJSON  string
	Signature     string
}

// HistoryRecord is a historical, possibly expired or replaced, purchase.
type HistoryRecord struct {
	ProductIDs    []string
	PurchaseToken string
	PurchaseTime  time.Time
	OriginalJSON  string
	Signature     string
}

type ProductDetails struct {
	ProductID          string
	Type               ProductType
	Title              string
	Description        string
	Price              string
	PriceAmountMicros  int64
	PriceCurrencyCode  string
	SubscriptionPeriod string
	OriginalJSON       string
}

// PurchaseRecord is the normalized form of a platform purchase or history
// record. Records are never mutated after normalization.
type PurchaseRecord struct {
	ProductIDs          []string
	PurchaseToken       string
	OrderID             string
	PurchaseTime        time.Time
	Acknowledged        bool
	State               PurchaseState
	Type                ProductType
	PresentedOfferingID string
	OriginalJSON        string
	Signature           string
}

// ProductID returns the primary product identifier.
func (r *PurchaseRecord) ProductID() string {
	if len(r.ProductIDs) == 0 {
		return ""
	}
	return r.ProductIDs[0]
}

// NewPurchaseRecord normalizes a platform purchase.
func NewPurchaseRecord(p *PlatformPurchase, productType ProductType, presentedOfferingID string) *PurchaseRecord {
	productIDs := make([]string, len(p.ProductIDs))
	copy(productIDs, p.ProductIDs)

	return &PurchaseRecord{
		ProductIDs:          productIDs,
		PurchaseToken:       p.PurchaseToken,
		OrderID:             p.OrderID,
		PurchaseTime:        p.PurchaseTime,
		Acknowledged:        p.Acknowledged,
		State:               p.State,
		Type:                productType,
		PresentedOfferingID: presentedOfferingID,
		OriginalJSON:        p.OriginalJSON,
		Signature:           p.Signature,
	}
}

// NewPurchaseRecordFromHistory normalizes a history record. History records
// carry no purchase state and no acknowledgment flag.
func NewPurchaseRecordFromHistory(h *HistoryRecord, productType ProductType) *PurchaseRecord {
	productIDs := make([]string, len(h.ProductIDs))
	copy(productIDs, h.ProductIDs)

	return &PurchaseRecord{
		ProductIDs:    productIDs,
		PurchaseToken: h.PurchaseToken,
		PurchaseTime:  h.PurchaseTime,
		State:         PurchaseStateUnspecified,
		Type:          productType,
		OriginalJSON:  h.OriginalJSON,
		Signature:     h.Signature,
	}
}

// ReplaceInfo describes an upgrade or downgrade from an existing subscription.
type ReplaceInfo struct {
	OldPurchase   *PurchaseRecord
	ProrationMode ProrationMode
}
