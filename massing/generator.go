package massing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultGenerateTimeout bounds one call to the generation service.
	DefaultGenerateTimeout = 120 * time.Second

	// DefaultGenerateRetries is the number of attempts for retryable failures.
	DefaultGenerateRetries = 3

	// defaultGenerateBackoff is the base raised to the attempt number between
	// attempts: 2s, 4s, 8s.
	defaultGenerateBackoff = 2 * time.Second

	// maxImageBytes limits a generated image to 32 MB.
	maxImageBytes = 32 << 20
)

// ReferenceImage is an example parcel sent alongside the prompt.
type ReferenceImage struct {
	Data    []byte
	Caption string
}

// GenerateRequest is one image-generation call.
type GenerateRequest struct {
	Prompt     string
	Image      []byte // PNG
	References []ReferenceImage
}

// Generator produces an image from a prompt and a conditioning image.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)
}

// GeneratorOption configures an HTTPGenerator.
type GeneratorOption func(*HTTPGenerator)

// WithGenTimeout sets the per-attempt timeout.
func WithGenTimeout(d time.Duration) GeneratorOption {
	return func(g *HTTPGenerator) {
		g.timeout = d
	}
}

// WithGenMaxRetries sets the number of attempts.
func WithGenMaxRetries(n int) GeneratorOption {
	return func(g *HTTPGenerator) {
		g.maxRetries = n
	}
}

// WithGenBackoff sets the backoff base. The wait before attempt n+1 is
// base^n seconds.
func WithGenBackoff(d time.Duration) GeneratorOption {
	return func(g *HTTPGenerator) {
		g.backoff = d
	}
}

// WithGenAPIKey sends key as a bearer token.
func WithGenAPIKey(key string) GeneratorOption {
	return func(g *HTTPGenerator) {
		g.apiKey = key
	}
}

// WithGenHTTPClient overrides the HTTP client (useful for testing).
func WithGenHTTPClient(c *http.Client) GeneratorOption {
	return func(g *HTTPGenerator) {
		g.client = c
	}
}

// HTTPGenerator calls an image-generation endpoint with a multipart POST and
// expects PNG bytes in the response. Create it once and Close it on shutdown.
type HTTPGenerator struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	client     *http.Client
}

// NewHTTPGenerator returns a client for endpoint.
func NewHTTPGenerator(endpoint string, opts ...GeneratorOption) (*HTTPGenerator, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("generator: endpoint is empty")
	}
	g := &HTTPGenerator{
		endpoint:   endpoint,
		timeout:    DefaultGenerateTimeout,
		maxRetries: DefaultGenerateRetries,
		backoff:    defaultGenerateBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxRetries < 1 {
		g.maxRetries = 1
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: g.timeout}
	}
	return g, nil
}

// Close releases idle connections.
func (g *HTTPGenerator) Close() {
	g.client.CloseIdleConnections()
}

// Generate sends req, retrying rate limits, timeouts and unavailability with
// exponential backoff. Other failures are returned at once. The error is a
// *GenerationError unless ctx was cancelled.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	body, contentType, err := encodeGenerateRequest(req)
	if err != nil {
		return nil, &GenerationError{Category: CategoryUnexpected, Attempts: 0, Err: err}
	}

	var lastErr *GenerationError
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		if attempt > 1 {
			wait := time.Duration(math.Pow(g.backoff.Seconds(), float64(attempt-1)) * float64(time.Second))
			log.Printf("[GENERATOR] %s, retrying in %s", lastErr.Category, wait)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("generate: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		start := time.Now()
		img, err := g.do(ctx, body, contentType)
		if err == nil {
			log.Printf("[GENERATOR] attempt %d/%d succeeded in %s", attempt, g.maxRetries, time.Since(start).Round(time.Millisecond))
			return img, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generate: %w", ctx.Err())
		}

		var ge *GenerationError
		if !errors.As(err, &ge) {
			ge = &GenerationError{Category: CategoryUnexpected, Err: err}
		}
		ge.Attempts = attempt
		if !ge.Category.Retryable() {
			return nil, ge
		}
		lastErr = ge
	}
	return nil, lastErr
}

func (g *HTTPGenerator) do(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &GenerationError{Category: CategoryUnexpected, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GenerationError{Category: transportCategory(err), Err: fmt.Errorf("POST %s: %w", g.endpoint, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &GenerationError{
			Category: statusCategory(resp.StatusCode),
			Err:      fmt.Errorf("POST %s: status %d: %s", g.endpoint, resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, &GenerationError{Category: CategoryUnavailable, Err: fmt.Errorf("reading response: %w", err)}
	}
	if !IsPNG(img) {
		return nil, &GenerationError{Category: CategoryUnexpected, Err: errors.New("response is not a PNG image")}
	}
	return img, nil
}

func statusCategory(code int) GenerationCategory {
	switch code {
	case http.StatusTooManyRequests:
		return CategoryRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return CategoryTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return CategoryUnavailable
	}
	return CategoryFatal
}

func transportCategory(err error) GenerationCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}
	return CategoryUnavailable
}

func encodeGenerateRequest(req GenerateRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("prompt", req.Prompt); err != nil {
		return nil, "", err
	}
	if err := writeImagePart(mw, "image", "parcel.png", req.Image); err != nil {
		return nil, "", err
	}
	for i, ref := range req.References {
		if err := writeImagePart(mw, "reference", fmt.Sprintf("reference_%d.png", i), ref.Data); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("reference_caption", ref.Caption); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func writeImagePart(mw *multipart.Writer, field, name string, data []byte) error {
	w, err := mw.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
