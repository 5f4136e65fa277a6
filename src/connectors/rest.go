// REST client for an HMAC-signed venue. Order placement is sent exactly once; status
// reads and cancels go through a bounded retry policy and a circuit breaker.
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMaxBackoff = 4 * time.Second

	ordersPath = "/v1/orders"
)

// APIResponse is the venue's envelope.
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type RestExchange struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
	reads     failsafe.Executor[*APIResponse]
	now       func() time.Time
}

// isRetryable decides whether a failed idempotent call may be repeated.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.Status
		return (code >= 500 && code <= 599) || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeRateLimited
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func NewRestExchange(apiKey, apiSecret, baseURL string, timeout time.Duration, retries int) *RestExchange {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}

	retry := retrypolicy.NewBuilder[*APIResponse]().
		HandleIf(func(_ *APIResponse, err error) bool { return isRetryable(err) }).
		WithBackoff(defaultRetryBaseDelay, defaultRetryMaxBackoff).
		WithMaxRetries(retries).
		Build()

	breaker := circuitbreaker.NewBuilder[*APIResponse]().
		HandleIf(func(_ *APIResponse, err error) bool { return isRetryable(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	// resty retries stay off: placement must never be repeated by the transport.
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)

	return &RestExchange{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
		reads:     failsafe.With[*APIResponse](retry, breaker),
		now:       time.Now,
	}
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestExchange) doRequest(ctx context.Context, method, path, query string, body []byte) (*APIResponse, error) {
	expiry := c.now().Add(1 * time.Minute).Unix()
	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.apiKey).
		SetHeader("X-API-EXPIRY", fmt.Sprintf("%d", expiry)).
		SetHeader("X-API-SIGNATURE", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	raw := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode(), Body: string(raw)}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Code != CodeOK {
		return nil, &APIError{Code: apiResp.Code, Msg: apiResp.Msg}
	}
	return &apiResp, nil
}

func (c *RestExchange) read(ctx context.Context, method, path, query string) (*APIResponse, error) {
	return c.reads.WithContext(ctx).Get(func() (*APIResponse, error) {
		return c.doRequest(ctx, method, path, query, nil)
	})
}

func decodeOrder(resp *APIResponse) (*Order, error) {
	var o Order
	if err := json.Unmarshal(resp.Data, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func refQuery(ref OrderRef) string {
	q := url.Values{}
	q.Set("symbol", ref.Symbol)
	if ref.OrderID != "" {
		q.Set("orderId", ref.OrderID)
	} else {
		q.Set("clientOrderId", ref.ClientOrderID)
	}
	return q.Encode()
}

// SubmitOrder sends the order once. Any error is surfaced as is; the caller resolves an
// unknown outcome by querying the client order id.
func (c *RestExchange) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, ordersPath, "", body)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"venue":     VenueRest,
			"symbol":    req.Symbol,
			"side":      req.Side,
			"client_id": req.ClientOrderID,
		}).WithError(err).Error("Order placement failed")
		return nil, err
	}
	return decodeOrder(resp)
}

// CancelOrder cancels an open order. When the venue reports the order already closed the
// current state is fetched so a fill is never mistaken for a cancel.
func (c *RestExchange) CancelOrder(ctx context.Context, ref OrderRef) (*Order, error) {
	resp, err := c.read(ctx, http.MethodDelete, ordersPath, refQuery(ref))
	if errors.Is(err, ErrOrderClosed) {
		return c.GetOrderStatus(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return decodeOrder(resp)
}

func (c *RestExchange) GetOrderStatus(ctx context.Context, ref OrderRef) (*Order, error) {
	resp, err := c.read(ctx, http.MethodGet, ordersPath, refQuery(ref))
	if err != nil {
		return nil, err
	}
	return decodeOrder(resp)
}
