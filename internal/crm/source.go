// Package crm reads raw records from the CRM's paginated HTTP API.
package crm

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "crmsync"

	// maxErrorBody bounds the response excerpt kept in errors
	maxErrorBody = 512
)

// Source fetches CRM records over HTTP. It satisfies migration.Source and consistency.SourceCounter.
type Source struct {
	baseURL   string
	token     string
	totalPath string
	dataPath  string
	registry  *schema.Registry
	client    *retryablehttp.Client
	limiter   *rate.Limiter
	log       logger.Logger
}

// Option configures a Source
type Option func(*Source)

// WithHTTPClient replaces the underlying transport client
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client.HTTPClient = c }
}

// WithRetryWait sets the retry backoff bounds
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(s *Source) {
		s.client.RetryWaitMin = minWait
		s.client.RetryWaitMax = maxWait
	}
}

// NewSource creates an HTTP source from settings
func NewSource(settings *conf.HTTPSourceSettings, registry *schema.Registry, log logger.Logger, opts ...Option) (*Source, error) {
	if _, err := url.ParseRequestURI(settings.BaseURL); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("setting", "source.http.baseurl").
			Build()
	}

	log = log.Module("crm")

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: cmp.Or(settings.Timeout, defaultTimeout)}
	client.RetryMax = max(settings.RetryMax, 0)
	client.Logger = leveledLogger{log}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if settings.RateLimit > 0 {
		limit = rate.Limit(settings.RateLimit)
	}

	s := &Source{
		baseURL:   strings.TrimRight(settings.BaseURL, "/"),
		token:     settings.Token,
		totalPath: cmp.Or(settings.TotalPath, "total"),
		dataPath:  cmp.Or(settings.DataPath, "data"),
		registry:  registry,
		client:    client,
		limiter:   rate.NewLimiter(limit, max(settings.Burst, 1)),
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Count returns the number of records of objectType
func (s *Source) Count(ctx context.Context, objectType string) (int64, error) {
	if _, err := s.registry.Get(objectType); err != nil {
		return 0, err
	}

	body, err := s.get(ctx, objectType, "count", s.baseURL+"/"+url.PathEscape(objectType)+"/count")
	if err != nil {
		return 0, err
	}

	total := gjson.GetBytes(body, s.totalPath)
	if !total.Exists() || total.Type != gjson.Number {
		return 0, s.responseError(objectType, "count", fmt.Sprintf("no numeric %q in response", s.totalPath))
	}
	return total.Int(), nil
}

// FetchPage returns up to limit records starting at offset, ordered by the schema's
// creation timestamp key
func (s *Source) FetchPage(ctx context.Context, objectType string, offset, limit int) ([]map[string]any, error) {
	sc, err := s.registry.Get(objectType)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if sc.OrderBy != "" {
		q.Set("sort", sc.OrderBy)
	}

	body, err := s.get(ctx, objectType, "fetch_page", s.baseURL+"/"+url.PathEscape(objectType)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, s.dataPath)
	if !data.IsArray() {
		return nil, s.responseError(objectType, "fetch_page", fmt.Sprintf("no array %q in response", s.dataPath))
	}

	items := data.Array()
	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		record, ok := item.Value().(map[string]any)
		if !ok {
			return nil, s.responseError(objectType, "fetch_page", fmt.Sprintf("item %d is not an object", offset+i))
		}
		records = append(records, record)
	}

	s.log.Trace("crm page fetched",
		logger.ObjectType(objectType),
		logger.Int("offset", offset),
		logger.Int("records", len(records)))
	return records, nil
}

func (s *Source) get(ctx context.Context, objectType, operation, target string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryCancellation).
			Context("object_type", objectType).
			Context("operation", operation).
			Build()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryHTTP).Build()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryNetwork).
			Context("object_type", objectType).
			Context("operation", operation).
			Timing(operation, time.Since(start)).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryNetwork).
			Context("object_type", objectType).
			Context("operation", operation).
			Build()
	}

	if resp.StatusCode != http.StatusOK {
		excerpt := string(body[:min(len(body), maxErrorBody)])
		return nil, errors.Newf("crm returned %d: %s", resp.StatusCode, strings.TrimSpace(excerpt)).
			Category(errors.CategorySource).
			Context("object_type", objectType).
			Context("operation", operation).
			Context("status_code", resp.StatusCode).
			Build()
	}
	return body, nil
}

func (s *Source) responseError(objectType, operation, msg string) error {
	return errors.Newf("unexpected crm response: %s", msg).
		Category(errors.CategorySource).
		Context("object_type", objectType).
		Context("operation", operation).
		Build()
}

// leveledLogger routes retryablehttp messages to the module logger
type leveledLogger struct {
	log logger.Logger
}

func (l leveledLogger) fields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Warn(msg, l.fields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, l.fields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Trace(msg, l.fields(kv)...) }
