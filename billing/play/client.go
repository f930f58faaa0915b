package play

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/ocp-server/pkg/metrics"

	"github.com/code-payments/flipcash2-billing/billing"
)

const (
	metricsStructName = "billing.play.client"
)

type Config struct {
	// PackageName is the Android app's package name.
	PackageName string

	// The contents of a service account JSON file.
	ServiceAccountJSON []byte

	// ClientOptions replace the service account credentials when set.
	ClientOptions []option.ClientOption
}

// Client is a billing.Client backed by the Google Play Developer API. It can
// finalize purchases and look up products server side, but has no access to
// the device's purchase flow or purchase lists, so those operations report
// FEATURE_NOT_SUPPORTED.
type Client struct {
	log    *zap.Logger
	config Config

	mu     sync.RWMutex
	svc    *androidpublisher.Service
	ctx    context.Context
	cancel context.CancelFunc
}

var _ billing.Client = (*Client)(nil)

func NewClient(log *zap.Logger, config Config) *Client {
	return &Client{
		log:    log,
		config: config,
	}
}

// NewFactory returns a billing.ClientFactory that builds Play clients. The
// Developer API never delivers purchase updates, so the listener is unused.
func NewFactory(log *zap.Logger, config Config) billing.ClientFactory {
	return billing.ClientFactoryFunc(func(billing.PurchasesUpdatedListener) billing.Client {
		return NewClient(log, config)
	})
}

func (c *Client) StartConnection(listener billing.ConnectionListener) {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())

		tracer := metrics.TraceMethodCall(ctx, metricsStructName, "StartConnection")
		defer tracer.End()

		opts := c.config.ClientOptions
		if len(opts) == 0 {
			opts = []option.ClientOption{option.WithCredentialsJSON(c.config.ServiceAccountJSON)}
		}

		svc, err := androidpublisher.NewService(ctx, opts...)
		if err != nil {
			cancel()
			tracer.OnError(err)
			c.log.Warn("Failed to create android publisher client", zap.Error(err))
			listener.OnSetupFinished(billing.Result{
				Code:         billing.ResponseDeveloperError,
				DebugMessage: fmt.Sprintf("failed to create android publisher client: %v", err),
			})
			return
		}

		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.svc = svc
		c.ctx = ctx
		c.cancel = cancel
		c.mu.Unlock()

		listener.OnSetupFinished(billing.OKResult())
	}()
}

func (c *Client) EndConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.svc = nil
	c.ctx = nil
	c.cancel = nil
}

func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.svc != nil
}

func (c *Client) service() (context.Context, *androidpublisher.Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.svc == nil {
		return nil, nil, false
	}
	return c.ctx, c.svc, true
}

func (c *Client) LaunchBillingFlow(*billing.FlowParams) billing.Result {
	return unsupported("purchase flows require a device")
}

func (c *Client) QueryPurchases(_ billing.ProductType, listener func(billing.Result, []*billing.PlatformPurchase)) {
	go listener(unsupported("purchase lists require a device"), nil)
}

func (c *Client) QueryPurchaseHistory(_ billing.ProductType, listener func(billing.Result, []*billing.HistoryRecord)) {
	go listener(unsupported("purchase history requires a device"), nil)
}

func (c *Client) QueryProductDetails(params *billing.ProductDetailsParams, listener func(billing.Result, []*billing.ProductDetails)) {
	ctx, svc, ok := c.service()
	if !ok {
		go listener(disconnected(), nil)
		return
	}

	go func() {
		tracer := metrics.TraceMethodCall(ctx, metricsStructName, "QueryProductDetails")
		defer tracer.End()

		var details []*billing.ProductDetails
		for _, productID := range params.ProductIDs {
			product, err := svc.Inappproducts.Get(c.config.PackageName, productID).Context(ctx).Do()
			if isNotFound(err) {
				continue
			} else if err != nil {
				tracer.OnError(err)
				listener(resultForError(err, billing.ResponseItemUnavailable), nil)
				return
			}

			productType := productTypeFor(product)
			if productType != params.Type {
				continue
			}

			converted, err := toProductDetails(product, productType)
			if err != nil {
				tracer.OnError(err)
				listener(billing.Result{Code: billing.ResponseError, DebugMessage: err.Error()}, nil)
				return
			}
			details = append(details, converted)
		}

		listener(billing.OKResult(), details)
	}()
}

func (c *Client) Consume(params *billing.ConsumeParams, listener func(billing.Result, string)) {
	ctx, svc, ok := c.service()
	if !ok {
		go listener(disconnected(), params.PurchaseToken)
		return
	}

	go func() {
		tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Consume")
		defer tracer.End()

		err := svc.Purchases.Products.Consume(c.config.PackageName, params.ProductID, params.PurchaseToken).Context(ctx).Do()
		if err != nil {
			tracer.OnError(err)
			c.log.Warn("Failed to consume purchase",
				zap.String("product_id", params.ProductID),
				zap.Error(err),
			)
			listener(resultForError(err, billing.ResponseItemNotOwned), params.PurchaseToken)
			return
		}

		listener(billing.OKResult(), params.PurchaseToken)
	}()
}

func (c *Client) Acknowledge(params *billing.AcknowledgeParams, listener func(billing.Result)) {
	ctx, svc, ok := c.service()
	if !ok {
		go listener(disconnected())
		return
	}

	go func() {
		tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Acknowledge")
		defer tracer.End()

		var err error
		switch params.Type {
		case billing.ProductTypeSubs:
			err = svc.Purchases.Subscriptions.Acknowledge(
				c.config.PackageName,
				params.ProductID,
				params.PurchaseToken,
				&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{},
			).Context(ctx).Do()
		default:
			err = svc.Purchases.Products.Acknowledge(
				c.config.PackageName,
				params.ProductID,
				params.PurchaseToken,
				&androidpublisher.ProductPurchasesAcknowledgeRequest{},
			).Context(ctx).Do()
		}
		if err != nil {
			tracer.OnError(err)
			c.log.Warn("Failed to acknowledge purchase",
				zap.String("product_id", params.ProductID),
				zap.String("product_type", params.Type.String()),
				zap.Error(err),
			)
			listener(resultForError(err, billing.ResponseItemNotOwned))
			return
		}

		listener(billing.OKResult())
	}()
}

func productTypeFor(product *androidpublisher.InAppProduct) billing.ProductType {
	if product.PurchaseType == "subscription" {
		return billing.ProductTypeSubs
	}
	return billing.ProductTypeInApp
}

func toProductDetails(product *androidpublisher.InAppProduct, productType billing.ProductType) (*billing.ProductDetails, error) {
	originalJSON, err := product.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling product")
	}

	details := &billing.ProductDetails{
		ProductID:          product.Sku,
		Type:               productType,
		SubscriptionPeriod: product.SubscriptionPeriod,
		OriginalJSON:       string(originalJSON),
	}

	if listing, ok := product.Listings[product.DefaultLanguage]; ok {
		details.Title = listing.Title
		details.Description = listing.Description
	}

	if product.DefaultPrice != nil {
		micros, err := strconv.ParseInt(product.DefaultPrice.PriceMicros, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid price for product %s", product.Sku)
		}
		details.PriceAmountMicros = micros
		details.PriceCurrencyCode = product.DefaultPrice.Currency
		details.Price = fmt.Sprintf("%.2f %s", float64(micros)/1e6, product.DefaultPrice.Currency)
	}

	return details, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// resultForError maps Developer API failures onto platform response codes.
// notFound is the code reported for a 404, which differs between product
// lookups and purchase operations.
func resultForError(err error, notFound billing.ResponseCode) billing.Result {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return billing.Result{Code: billing.ResponseServiceDisconnected, DebugMessage: err.Error()}
		}
		return billing.Result{Code: billing.ResponseNetworkError, DebugMessage: err.Error()}
	}

	result := billing.Result{DebugMessage: apiErr.Message}
	switch apiErr.Code {
	case http.StatusBadRequest:
		result.Code = billing.ResponseDeveloperError
	case http.StatusUnauthorized, http.StatusForbidden:
		result.Code = billing.ResponseBillingUnavailable
	case http.StatusNotFound:
		result.Code = notFound
	case http.StatusConflict, http.StatusGone:
		result.Code = billing.ResponseItemNotOwned
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		result.Code = billing.ResponseServiceTimeout
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		result.Code = billing.ResponseServiceUnavailable
	default:
		result.Code = billing.ResponseError
	}
	return result
}

func unsupported(message string) billing.Result {
	return billing.Result{Code: billing.ResponseFeatureNotSupported, DebugMessage: message}
}

func disconnected() billing.Result {
	return billing.Result{Code: billing.ResponseServiceDisconnected, DebugMessage: "client is not connected"}
}
