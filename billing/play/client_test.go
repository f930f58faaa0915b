package play

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/flipcash2-billing/billing"
)

const testPackageName = "com.example.app"

type fakeDeveloperAPI struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeDeveloperAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/inappproducts/coins"):
		writeJSON(w, map[string]any{
			"sku":             "coins",
			"purchaseType":    "managedUser",
			"defaultLanguage": "en-US",
			"listings": map[string]any{
				"en-US": map[string]any{"title": "Coins", "description": "A pile of coins"},
			},
			"defaultPrice": map[string]any{"currency": "USD", "priceMicros": "1990000"},
		})
	case strings.HasSuffix(r.URL.Path, "/inappproducts/monthly"):
		writeJSON(w, map[string]any{
			"sku":                "monthly",
			"purchaseType":       "subscription",
			"subscriptionPeriod": "P1M",
		})
	case strings.HasSuffix(r.URL.Path, ":consume") && strings.Contains(r.URL.Path, "/tokens/owned"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, ":acknowledge") && strings.Contains(r.URL.Path, "/purchases/subscriptions/"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, ":acknowledge"):
		writeError(w, http.StatusServiceUnavailable, "try again later")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

type setupListener struct {
	results chan billing.Result
}

func (l *setupListener) OnSetupFinished(result billing.Result) {
	l.results <- result
}

func (l *setupListener) OnServiceDisconnected() {}

func newConnectedClient(t *testing.T) (*Client, *fakeDeveloperAPI) {
	api := &fakeDeveloperAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	client := NewClient(zaptest.NewLogger(t), Config{
		PackageName: testPackageName,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(server.URL + "/"),
			option.WithoutAuthentication(),
			option.WithHTTPClient(server.Client()),
		},
	})

	require.False(t, client.IsReady())

	listener := &setupListener{results: make(chan billing.Result, 1)}
	client.StartConnection(listener)
	require.Equal(t, billing.OKResult(), waitFor(t, listener.results))
	require.True(t, client.IsReady())

	t.Cleanup(client.EndConnection)
	return client, api
}

func waitFor[T any](t *testing.T, ch chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		require.Fail(t, "timed out waiting for listener")
	}
	var zero T
	return zero
}

func TestClient_QueryProductDetails(t *testing.T) {
	client, _ := newConnectedClient(t)

	type response struct {
		result  billing.Result
		details []*billing.ProductDetails
	}
	responses := make(chan response, 1)

	client.QueryProductDetails(&billing.ProductDetailsParams{
		Type:       billing.ProductTypeInApp,
		ProductIDs: []string{"coins", "monthly", "missing"},
	}, func(result billing.Result, details []*billing.ProductDetails) {
		responses <- response{result, details}
	})

	res := waitFor(t, responses)
	require.True(t, res.result.IsOK())
	require.Len(t, res.details, 1)

	coins := res.details[0]
	require.Equal(t, "coins", coins.ProductID)
	require.Equal(t, billing.ProductTypeInApp, coins.Type)
	require.Equal(t, "Coins", coins.Title)
	require.Equal(t, "A pile of coins", coins.Description)
	require.EqualValues(t, 1990000, coins.PriceAmountMicros)
	require.Equal(t, "USD", coins.PriceCurrencyCode)
	require.Equal(t, "1.99 USD", coins.Price)
	require.Contains(t, coins.OriginalJSON, `"sku":"coins"`)

	client.QueryProductDetails(&billing.ProductDetailsParams{
		Type:       billing.ProductTypeSubs,
		ProductIDs: []string{"coins", "monthly"},
	}, func(result billing.Result, details []*billing.ProductDetails) {
		responses <- response{result, details}
	})

	res = waitFor(t, responses)
	require.True(t, res.result.IsOK())
	require.Len(t, res.details, 1)
	require.Equal(t, "monthly", res.details[0].ProductID)
	require.Equal(t, "P1M", res.details[0].SubscriptionPeriod)
}

func TestClient_ConsumeAndAcknowledge(t *testing.T) {
	client, api := newConnectedClient(t)

	consumedTokens := make(chan string, 1)
	consumed := make(chan billing.Result, 1)
	client.Consume(&billing.ConsumeParams{PurchaseToken: "owned", ProductID: "coins"}, func(result billing.Result, token string) {
		consumedTokens <- token
		consumed <- result
	})
	require.Equal(t, "owned", waitFor(t, consumedTokens))
	require.True(t, waitFor(t, consumed).IsOK())

	client.Consume(&billing.ConsumeParams{PurchaseToken: "unknown", ProductID: "coins"}, func(result billing.Result, _ string) {
		consumed <- result
	})
	require.Equal(t, billing.ResponseItemNotOwned, waitFor(t, consumed).Code)

	acknowledged := make(chan billing.Result, 1)
	client.Acknowledge(&billing.AcknowledgeParams{PurchaseToken: "sub", ProductID: "monthly", Type: billing.ProductTypeSubs}, func(result billing.Result) {
		acknowledged <- result
	})
	require.True(t, waitFor(t, acknowledged).IsOK())

	client.Acknowledge(&billing.AcknowledgeParams{PurchaseToken: "coin", ProductID: "coins", Type: billing.ProductTypeInApp}, func(result billing.Result) {
		acknowledged <- result
	})
	res := waitFor(t, acknowledged)
	require.Equal(t, billing.ResponseServiceUnavailable, res.Code)
	require.Equal(t, "try again later", res.DebugMessage)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Contains(t, api.paths, "POST /androidpublisher/v3/applications/"+testPackageName+"/purchases/products/coins/tokens/owned:consume")
	require.Contains(t, api.paths, "POST /androidpublisher/v3/applications/"+testPackageName+"/purchases/subscriptions/monthly/tokens/sub:acknowledge")
}

func TestClient_UnsupportedAndDisconnected(t *testing.T) {
	client := NewClient(zaptest.NewLogger(t), Config{PackageName: testPackageName})

	require.Equal(t, billing.ResponseFeatureNotSupported, client.LaunchBillingFlow(&billing.FlowParams{}).Code)

	purchases := make(chan billing.Result, 1)
	client.QueryPurchases(billing.ProductTypeSubs, func(result billing.Result, _ []*billing.PlatformPurchase) {
		purchases <- result
	})
	require.Equal(t, billing.ResponseFeatureNotSupported, waitFor(t, purchases).Code)

	history := make(chan billing.Result, 1)
	client.QueryPurchaseHistory(billing.ProductTypeSubs, func(result billing.Result, _ []*billing.HistoryRecord) {
		history <- result
	})
	require.Equal(t, billing.ResponseFeatureNotSupported, waitFor(t, history).Code)

	consumed := make(chan billing.Result, 1)
	client.Consume(&billing.ConsumeParams{PurchaseToken: "token"}, func(result billing.Result, _ string) {
		consumed <- result
	})
	require.Equal(t, billing.ResponseServiceDisconnected, waitFor(t, consumed).Code)
}

func TestResultForError(t *testing.T) {
	for code, expected := range map[int]billing.ResponseCode{
		http.StatusBadRequest:          billing.ResponseDeveloperError,
		http.StatusUnauthorized:        billing.ResponseBillingUnavailable,
		http.StatusForbidden:           billing.ResponseBillingUnavailable,
		http.StatusNotFound:            billing.ResponseItemUnavailable,
		http.StatusConflict:            billing.ResponseItemNotOwned,
		http.StatusGone:                billing.ResponseItemNotOwned,
		http.StatusRequestTimeout:      billing.ResponseServiceTimeout,
		http.StatusGatewayTimeout:      billing.ResponseServiceTimeout,
		http.StatusTooManyRequests:     billing.ResponseServiceUnavailable,
		http.StatusInternalServerError: billing.ResponseServiceUnavailable,
		http.StatusTeapot:              billing.ResponseError,
	} {
		err := errors.Wrap(&googleapi.Error{Code: code, Message: "failed"}, "error calling api")
		require.Equal(t, expected, resultForError(err, billing.ResponseItemUnavailable).Code, code)
	}

	require.Equal(t, billing.ResponseNetworkError, resultForError(errors.New("connection reset"), billing.ResponseItemNotOwned).Code)
}
