package connectors

// Test index:
//  1. TestIsRetryable verifies retry decisions for transport and venue errors.
//  2. TestSignRequest validates HMAC signature generation inputs and output.
//  3. TestSubmitOrderSignsAndIsNotRetried checks headers, payload and single placement.
//  4. TestGetOrderStatusRetriesServerErrors confirms bounded retries on reads.
//  5. TestCancelOrderAlreadyFilled ensures a closed order is re-read instead of failing.
//  6. TestGetOrderStatusNotFound maps the venue code to ErrOrderNotFound.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeEnvelope(w http.ResponseWriter, code int, data interface{}) {
	_ = json.NewEncoder(w).Encode(APIResponse{Code: code, Data: mustJSON(data)})
}

func newTestRest(url string, retries int) *RestExchange {
	return NewRestExchange("test-key", "test-secret", url, 2*time.Second, retries)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "server error", err: &HTTPError{Status: 502}, want: true},
		{name: "too many requests", err: &HTTPError{Status: 429}, want: true},
		{name: "timeout", err: &HTTPError{Status: 408}, want: true},
		{name: "bad request", err: &HTTPError{Status: 400}, want: false},
		{name: "rate limited code", err: &APIError{Code: CodeRateLimited}, want: true},
		{name: "business rejection", err: &APIError{Code: CodeInsufficientBalance}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isRetryable(tc.err))
		})
	}
}

func TestSignRequest(t *testing.T) {
	expiry := int64(1700000000)
	expectedMac := hmac.New(sha256.New, []byte("secret"))
	expectedMac.Write([]byte("/testpath" + "query" + "1700000000" + "body"))
	expected := hex.EncodeToString(expectedMac.Sum(nil))

	assert.Equal(t, expected, signRequest("/testpath", "query", "body", expiry, "secret"))
}

func TestSubmitOrderSignsAndIsNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ordersPath, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))

		body, _ := io.ReadAll(r.Body)
		sig := signRequest(r.URL.Path, "", string(body), mustAtoi(t, r.Header.Get("X-API-EXPIRY")), "test-secret")
		assert.Equal(t, sig, r.Header.Get("X-API-SIGNATURE"))

		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ex := newTestRest(server.URL, 3)
	_, err := ex.SubmitOrder(context.Background(), OrderRequest{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Quantity: decimal.NewFromInt(1)})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func mustAtoi(t *testing.T, s string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, json.Unmarshal([]byte(s), &n))
	return n
}

func TestGetOrderStatusRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "o-1", r.URL.Query().Get("orderId"))
		writeEnvelope(w, CodeOK, Order{ID: "o-1", Symbol: "BTC", Status: StatusFilled,
			FilledQuantity: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(100)})
	}))
	defer server.Close()

	ex := newTestRest(server.URL, 3)
	o, err := ex.GetOrderStatus(context.Background(), OrderRef{Symbol: "BTC", OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.Fill().Price.Equal(decimal.NewFromInt(100)))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestCancelOrderAlreadyFilled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			_ = json.NewEncoder(w).Encode(APIResponse{Code: CodeOrderClosed, Msg: "filled"})
		case http.MethodGet:
			writeEnvelope(w, CodeOK, Order{ID: "o-2", Status: StatusFilled})
		}
	}))
	defer server.Close()

	ex := newTestRest(server.URL, 1)
	o, err := ex.CancelOrder(context.Background(), OrderRef{Symbol: "BTC", OrderID: "o-2"})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
}

func TestGetOrderStatusNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c-9", r.URL.Query().Get("clientOrderId"))
		_ = json.NewEncoder(w).Encode(APIResponse{Code: CodeOrderNotFound})
	}))
	defer server.Close()

	ex := newTestRest(server.URL, 2)
	_, err := ex.GetOrderStatus(context.Background(), OrderRef{Symbol: "BTC", ClientOrderID: "c-9"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
