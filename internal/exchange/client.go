// Package exchange implements the ExchangeClient collaborator (§6): the
// REST surface the ledger and REST layer call to submit/cancel orders and
// algos, decorated with the rate-limit and circuit-breaker policies §5
// requires.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Credential is the REST signing triple, structurally compatible with
// vault.Credential and transport.Credential without importing either
// package.
type Credential struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Client is the abstract ExchangeClient surface the ledger depends on
// (§6). All operations are idempotent on cloid.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (oid string, err error)
	CancelOrder(ctx context.Context, oid string) error
	PlaceAlgo(ctx context.Context, cloid, trigger, side string, size float64) (algoCLOID string, err error)
	CancelAlgo(ctx context.Context, cloid string) error
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// OrderRequest is the payload SubmitOrder signs and sends.
type OrderRequest struct {
	CLOID   string
	Symbol  string
	Side    string
	PosSide string
	OrdType string
	Sz      float64
	Px      float64
}

// RESTClient is the concrete OKX v5 trade-endpoint client.
type RESTClient struct {
	baseURL string
	cred    Credential
	http    *http.Client
	log     zerolog.Logger
}

// NewRESTClient builds a RESTClient against baseURL (sandbox or mainnet)
// using the given request timeout (§6 API_REQUEST_TIMEOUT).
func NewRESTClient(baseURL string, cred Credential, timeout time.Duration, log zerolog.Logger) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		cred:    cred,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "exchange_client").Logger(),
	}
}

func (c *RESTClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]interface{}{
		"clOrdId": req.CLOID,
		"instId":  req.Symbol,
		"side":    req.Side,
		"posSide": req.PosSide,
		"ordType": req.OrdType,
		"sz":      strconv.FormatFloat(req.Sz, 'f', -1, 64),
	}
	if req.Px > 0 {
		body["px"] = strconv.FormatFloat(req.Px, 'f', -1, 64)
	}

	var resp struct {
		Data []struct {
			OrdId   string `json:"ordId"`
			SCode   string `json:"sCode"`
			SMsg    string `json:"sMsg"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("exchange: submitOrder: empty response")
	}
	if resp.Data[0].SCode != "0" {
		return "", fmt.Errorf("exchange: submitOrder rejected: %s", resp.Data[0].SMsg)
	}
	return resp.Data[0].OrdId, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, oid string) error {
	body := map[string]interface{}{"ordId": oid}
	return c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, nil)
}

func (c *RESTClient) PlaceAlgo(ctx context.Context, cloid, trigger, side string, size float64) (string, error) {
	body := map[string]interface{}{
		"algoClOrdId": cloid,
		"triggerPx":   trigger,
		"side":        side,
		"sz":          strconv.FormatFloat(size, 'f', -1, 64),
		"ordType":     "trigger",
	}
	var resp struct {
		Data []struct {
			AlgoClOrdId string `json:"algoClOrdId"`
			SCode       string `json:"sCode"`
			SMsg        string `json:"sMsg"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order-algo", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].SCode != "0" {
		return "", fmt.Errorf("exchange: placeAlgo rejected")
	}
	return resp.Data[0].AlgoClOrdId, nil
}

func (c *RESTClient) CancelAlgo(ctx context.Context, cloid string) error {
	body := map[string]interface{}{"algoClOrdId": cloid}
	return c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", body, nil)
}

func (c *RESTClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]interface{}{
		"instId": symbol,
		"lever":  strconv.FormatFloat(leverage, 'f', -1, 64),
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, nil)
}

// do signs and sends a single REST request, grounded on the login
// signature formula (§4.1) extended to arbitrary method+path+body per the
// exchange's REST signing convention.
func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("exchange: marshal request: %w", err)
		}
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	sign := c.sign(ts, method, path, raw)

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("exchange: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("OK-ACCESS-KEY", c.cred.APIKey)
	httpReq.Header.Set("OK-ACCESS-SIGN", sign)
	httpReq.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	httpReq.Header.Set("OK-ACCESS-PASSPHRASE", c.cred.Passphrase)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("exchange: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("exchange: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("exchange: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("exchange: parse response: %w", err)
		}
	}
	return nil
}

func (c *RESTClient) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.cred.Secret))
	mac.Write([]byte(ts + method + path + string(body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
