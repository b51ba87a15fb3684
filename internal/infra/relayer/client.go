// Package relayer speaks the relayer's JSON-RPC API and liquidation feed.
package relayer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/observability"
)

const (
	component      = "relayer"
	jsonRPCVersion = "2.0"
	maxErrorBody   = 4 << 10
)

// Options tune a Client. Zero values select defaults.
type Options struct {
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Logger            observability.Logger
}

// Client is a JSON-RPC 2.0 client for the relayer. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   observability.Logger
}

// NewClient constructs a Client for the given endpoint.
func NewClient(endpoint string, opts Options) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("relayer: endpoint required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      string          `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// hexData wraps an opaque encoded request the way the relayer expects.
type hexData struct {
	Data string `json:"data"`
}

func encodeHex(v any) (hexData, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return hexData{}, fmt.Errorf("relayer: encode params: %w", err)
	}
	return hexData{Data: hex.EncodeToString(raw)}, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("relayer %s: rate limit wait: %w", method, err)
	}
	id := uuid.NewString()
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("relayer %s: marshal request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relayer %s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("relayer request failed"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("relayer returned http "+strconv.Itoa(resp.StatusCode)),
			errs.WithField("method", method),
			errs.WithRemoteMessage(strings.TrimSpace(string(snippet))))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errs.New(component, errs.CodeProtocol,
			errs.WithMessage("decode relayer response"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}
	if envelope.ID != "" && envelope.ID != id {
		return errs.New(component, errs.CodeProtocol,
			errs.WithMessage("relayer response id mismatch"),
			errs.WithField("method", method))
	}
	if envelope.Error != nil {
		c.logger.Debug("relayer rpc error",
			observability.F("method", method),
			observability.F("code", envelope.Error.Code),
			observability.F("message", envelope.Error.Message))
		return errs.New(component, errs.CodeChainRejected,
			errs.WithMessage(method+" rejected"),
			errs.WithRemoteCode(strconv.Itoa(envelope.Error.Code)),
			errs.WithRemoteMessage(envelope.Error.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return errs.New(component, errs.CodeProtocol,
			errs.WithMessage("decode relayer result"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}
	return nil
}
