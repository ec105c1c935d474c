// Package provider normalizes remote LLM chat APIs behind one contract.
//
// Each provider belongs to a protocol Family that fixes its endpoint path,
// auth header, request body and response shape. Every Client returns a Reply
// with the required message text and optional reasoning text, or an error
// from internal/errors:
//   - *errors.ProviderError for transport failures and non-2xx responses
//   - *errors.TimeoutError when the per-request timeout elapses
//   - *errors.MalformedResponseError when a 2xx body lacks required fields
//
// Clients hold no mutable state and are safe for concurrent use.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/logging"
)

// Family is a provider wire protocol.
type Family string

const (
	FamilyOpenAI    Family = config.FamilyOpenAI
	FamilyAnthropic Family = config.FamilyAnthropic
	FamilyGoogle    Family = config.FamilyGoogle
)

// DefaultTimeout bounds a single call when a Spec sets none.
const DefaultTimeout = 300 * time.Second

const (
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"
	// maxErrorBody caps how much of a failed response is kept in errors.
	maxErrorBody = 4096
)

// Spec configures one provider.
type Spec struct {
	Name    string
	Family  Family
	APIKey  string
	Model   string
	BaseURL string
	Proxy   string
	Timeout time.Duration
}

// SpecFromConfig converts a resolved configuration entry.
func SpecFromConfig(p config.ResolvedProvider) Spec {
	return Spec{
		Name:    p.Name,
		Family:  Family(p.Family),
		APIKey:  p.APIKey,
		Model:   p.Model,
		BaseURL: p.BaseURL,
		Proxy:   p.Proxy,
		Timeout: p.Timeout,
	}
}

// Reply is a normalized model response.
type Reply struct {
	// Message is the trimmed answer text. Never empty on success.
	Message string
	// Reasoning is the model's thinking output, if the provider exposes it.
	Reasoning string
}

// Client calls one provider.
type Client interface {
	// Name returns the configured provider name, e.g. "deepseek".
	Name() string
	// Model returns the model identifier sent with each request.
	Model() string
	// Call sends the system prompt and user content as one chat turn.
	Call(ctx context.Context, systemPrompt, userContent string) (Reply, error)
}

// New builds the client for spec's family.
func New(spec Spec) (Client, error) {
	switch spec.Family {
	case FamilyOpenAI, FamilyAnthropic, FamilyGoogle:
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("family %q", spec.Family), errors.ErrUnknownFamily).WithProvider(spec.Name)
	}
	if strings.TrimSpace(spec.APIKey) == "" {
		return nil, errors.NewConfigError("provider unusable", errors.ErrMissingAPIKey).WithProvider(spec.Name)
	}
	ep, err := newEndpoint(spec)
	if err != nil {
		return nil, err
	}

	switch spec.Family {
	case FamilyAnthropic:
		return &AnthropicClient{endpoint: ep}, nil
	case FamilyGoogle:
		return &GoogleClient{endpoint: ep}, nil
	default:
		return &OpenAIClient{endpoint: ep}, nil
	}
}

// Skipped records a provider that could not be constructed.
type Skipped struct {
	Name   string
	Reason error
}

// NewClients builds a client per spec in order. Unusable specs (missing key,
// unknown family, bad proxy) are logged as warnings and returned in skipped.
// It fails with errors.ErrNoProviders when nothing is usable.
func NewClients(specs []Spec, logger *logging.Logger) ([]Client, []Skipped, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	var clients []Client
	var skipped []Skipped
	for _, spec := range specs {
		c, err := New(spec)
		if err != nil {
			logger.WithProvider(spec.Name).Warn("skipping provider", "error", err.Error())
			skipped = append(skipped, Skipped{Name: spec.Name, Reason: err})
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, skipped, errors.NewConfigError("no provider could be constructed", errors.ErrNoProviders)
	}
	return clients, skipped, nil
}

// endpoint is the HTTP plumbing shared by every family.
type endpoint struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	http    *http.Client
}

func newEndpoint(spec Spec) (*endpoint, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if spec.Proxy != "" {
		proxyURL, err := url.Parse(spec.Proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, errors.NewConfigError("invalid proxy URL", err).WithProvider(spec.Name).WithKey("proxy")
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &endpoint{
		name:    spec.Name,
		model:   spec.Model,
		apiKey:  spec.APIKey,
		baseURL: strings.TrimRight(spec.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (e *endpoint) Name() string  { return e.name }
func (e *endpoint) Model() string { return e.model }

// doPost marshals payload, POSTs it to baseURL+path with headers and decodes
// a 2xx JSON body into out.
func (e *endpoint) doPost(ctx context.Context, path string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", e.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.NewProviderError("build request", err).WithProvider(e.name).WithRetryable(false)
	}
	req.Header.Set(headerContentType, mimeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return errors.NewTimeoutError(e.name+" request", e.http.Timeout).WithCause(err)
		}
		return errors.NewProviderError(e.name+" request failed", err).WithProvider(e.name).WithModel(e.model)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.NewProviderError(e.name+" request failed", nil).
			WithProvider(e.name).
			WithModel(e.model).
			WithStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewMalformedResponseError("JSON body", err).WithProvider(e.name)
	}
	return nil
}

func (e *endpoint) malformed(field string) error {
	return errors.NewMalformedResponseError(field, errors.ErrEmptyResponse).WithProvider(e.name)
}
