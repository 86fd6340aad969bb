package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genledger/internal/config"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/pkg/retry"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const maxErrorBody = 512

// Options HTTPClient 的构造参数
type Options struct {
	Endpoint      config.EndpointConfig
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	Retry         config.RetryConfig
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// HTTPClient 三家供应商共用的 HTTP 实现，差异全部在 Profile 里
type HTTPClient struct {
	profile       *Profile
	baseURL       string
	apiKey        string
	callbackURL   string
	http          *http.Client
	submitTimeout time.Duration
	statusTimeout time.Duration
	submitRetry   retry.Policy
	statusRetry   retry.Policy
	log           zerolog.Logger
}

func NewHTTPClient(profile *Profile, opts Options) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &HTTPClient{
		profile:       profile,
		baseURL:       strings.TrimRight(opts.Endpoint.BaseURL, "/"),
		apiKey:        opts.Endpoint.APIKey,
		callbackURL:   opts.Endpoint.CallbackURL,
		http:          hc,
		submitTimeout: opts.SubmitTimeout,
		statusTimeout: opts.StatusTimeout,
		log:           opts.Logger.With().Str("provider", profile.Name).Logger(),
	}

	base := retry.Policy{
		MaxAttempts:     opts.Retry.MaxAttempts,
		InitialInterval: opts.Retry.InitialInterval,
		MaxInterval:     opts.Retry.MaxInterval,
		Multiplier:      2,
		Jitter:          0.2,
	}

	c.submitRetry = base
	c.submitRetry.Retryable = SubmitRetryable
	c.submitRetry.OnRetry = c.logRetry("submit")

	c.statusRetry = base
	c.statusRetry.Retryable = StatusRetryable
	c.statusRetry.OnRetry = c.logRetry("status")

	return c
}

func (c *HTTPClient) Name() string {
	return c.profile.Name
}

// SubmitRetryable 提交只在明确没有被受理的响应上重试，
// 传输错误可能已经到达供应商，重试会产生重复任务
func SubmitRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// StatusRetryable 查询是只读的，传输错误和 5xx 都可以重试
func StatusRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMalformedPayload) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func (c *HTTPClient) Submit(ctx context.Context, spec *model.JobSpec) (string, error) {
	defer metrics.ObserveProviderRequest(c.profile.Name, "submit", time.Now())

	if c.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(c.profile.BuildBody(spec, c.callbackURL))
	if err != nil {
		return "", fmt.Errorf("provider: encode submit body: %w", err)
	}

	return retry.Do(ctx, c.submitRetry, func(ctx context.Context) (string, error) {
		body, err := c.do(ctx, http.MethodPost, c.profile.SubmitPath, payload)
		if err != nil {
			return "", err
		}
		jobID := c.profile.Shape.JobIDOf(gjson.ParseBytes(body))
		if jobID == "" {
			return "", fmt.Errorf("%w: no job id in submit response", ErrMalformedPayload)
		}
		return jobID, nil
	})
}

func (c *HTTPClient) GetStatus(ctx context.Context, providerJobID string) (*Result, error) {
	defer metrics.ObserveProviderRequest(c.profile.Name, "status", time.Now())

	if c.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.statusTimeout)
		defer cancel()
	}

	path := fmt.Sprintf(c.profile.StatusPath, url.PathEscape(providerJobID))
	return retry.Do(ctx, c.statusRetry, func(ctx context.Context) (*Result, error) {
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("%w: status response is not JSON", ErrMalformedPayload)
		}
		return c.profile.Shape.ResultOf(gjson.ParseBytes(body)), nil
	})
}

func (c *HTTPClient) ParseCallback(body []byte) (*Callback, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: callback is not JSON", ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(body)
	jobID := c.profile.Shape.JobIDOf(doc)
	if jobID == "" {
		return nil, fmt.Errorf("%w: no job id in callback", ErrMalformedPayload)
	}
	return &Callback{ProviderJobID: jobID, Result: *c.profile.Shape.ResultOf(doc)}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *HTTPClient) logRetry(op string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		c.log.Warn().Err(err).Str("op", op).Dur("next", next).Msg("供应商请求失败，准备重试")
	}
}
