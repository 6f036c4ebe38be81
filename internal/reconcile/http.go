package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/backoff"
	"github.com/phojnacki/inventory-sync/internal/circuitbreaker"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
)

const (
	DefaultAttemptTimeout = 2 * time.Second
	DefaultTotalBudget    = 5 * time.Second
	DefaultRetries        = 1
	DefaultRetryBackoff   = 100 * time.Millisecond
	DefaultBreakerName    = "product-service"
)

var (
	ErrBaseURLInvalid = errors.New("reconciliation base url is invalid")

	errUnexpectedStatus = errors.New("unexpected status")
)

// HTTPCheckerConfig holds the reconciliation call's knobs.
type HTTPCheckerConfig struct {
	// BaseURL of the owning service, e.g. http://product-service:8080.
	BaseURL string
	// Resource is the collection path segment; GET {BaseURL}/{Resource}/{key}.
	Resource       string
	AttemptTimeout time.Duration
	Retries        int
	RetryBackoff   time.Duration
	TotalBudget    time.Duration
	BreakerName    string
	Breaker        circuitbreaker.Config
}

func DefaultHTTPCheckerConfig(baseURL string) HTTPCheckerConfig {
	return HTTPCheckerConfig{
		BaseURL:        baseURL,
		Resource:       "products",
		AttemptTimeout: DefaultAttemptTimeout,
		Retries:        DefaultRetries,
		RetryBackoff:   DefaultRetryBackoff,
		TotalBudget:    DefaultTotalBudget,
		BreakerName:    DefaultBreakerName,
		Breaker:        circuitbreaker.DefaultHTTPConfig(),
	}
}

// HTTPChecker asks the owning service whether an entity exists. Any 2xx is
// Exists and 404 is NotFound; other statuses, timeouts and transport errors
// are Unavailable. Calls go through a circuit breaker, and an open breaker
// answers Unavailable without a request.
type HTTPChecker struct {
	cfg      HTTPCheckerConfig
	base     *url.URL
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   log.Logger
	tracer   trace.Tracer
}

func NewHTTPChecker(cfg HTTPCheckerConfig, client *http.Client, breakers *circuitbreaker.Manager, logger log.Logger, tracer trace.Tracer) (*HTTPChecker, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURLInvalid, cfg.BaseURL)
	}

	if cfg.Resource == "" {
		cfg.Resource = "products"
	}

	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = DefaultTotalBudget
	}

	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	if cfg.BreakerName == "" {
		cfg.BreakerName = DefaultBreakerName
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reconcile.noop")
	}

	if client == nil {
		client = &http.Client{}
	}

	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}

	breakers.GetOrCreate(cfg.BreakerName, cfg.Breaker)

	return &HTTPChecker{cfg: cfg, base: base, client: client, breakers: breakers, logger: logger, tracer: tracer}, nil
}

func (c *HTTPChecker) Check(ctx context.Context, key uuid.UUID) Existence {
	ctx, span := c.tracer.Start(ctx, "reconcile.http_check", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalBudget)
	defer cancel()

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(c.cfg.RetryBackoff, attempt-1)); err != nil {
				break
			}
		}

		result, err := c.breakers.Execute(c.cfg.BreakerName, func() (any, error) {
			return c.probe(ctx, key)
		})
		if err == nil {
			existence, _ := result.(Existence)
			span.SetAttributes(attribute.String("reconcile.existence", string(existence)), attribute.Int("reconcile.attempts", attempt+1))

			return existence
		}

		if errors.Is(err, circuitbreaker.ErrOpen) {
			opentelemetry.HandleSpanError(span, "breaker open", err)

			return Unavailable
		}

		c.logger.Log(ctx, log.LevelWarn, "existence check failed",
			log.String("key", key.String()), log.Int("attempt", attempt+1), log.Err(err))
	}

	span.SetAttributes(attribute.String("reconcile.existence", string(Unavailable)))

	return Unavailable
}

// probe issues one bounded request. NotFound is an answer, not a failure, so
// it does not count against the breaker.
func (c *HTTPChecker) probe(ctx context.Context, key uuid.UUID) (Existence, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	target := c.base.JoinPath(c.cfg.Resource, key.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Unavailable, fmt.Errorf("build existence request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	opentelemetry.InjectHTTPContext(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return Unavailable, fmt.Errorf("existence request: %w", err)
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Exists, nil
	case resp.StatusCode == http.StatusNotFound:
		return NotFound, nil
	default:
		return Unavailable, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}
}
