package crm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

const testBaseURL = "https://crm.example.test/api"

func newTestSource(t *testing.T, opts ...func(*conf.HTTPSourceSettings)) (*Source, *httpmock.MockTransport) {
	t.Helper()

	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	registry := schema.NewRegistry(log, 0)
	require.NoError(t, registry.Load(""))

	settings := &conf.HTTPSourceSettings{
		BaseURL:  testBaseURL,
		Token:    "secret-token",
		RetryMax: 2,
	}
	for _, opt := range opts {
		opt(settings)
	}

	transport := httpmock.NewMockTransport()
	src, err := NewSource(settings, registry, log,
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryWait(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	return src, transport
}

func TestCount(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal/count",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"total": 237}`), nil
		})

	n, err := src.Count(context.Background(), "deal")
	require.NoError(t, err)
	assert.EqualValues(t, 237, n)
}

func TestCountCustomPath(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t, func(s *conf.HTTPSourceSettings) {
		s.TotalPath = "meta.count"
	})
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/site/count",
		httpmock.NewStringResponder(http.StatusOK, `{"meta": {"count": 12}}`))

	n, err := src.Count(context.Background(), "site")
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
}

func TestCountMissingTotal(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal/count",
		httpmock.NewStringResponder(http.StatusOK, `{"count": "many"}`))

	_, err := src.Count(context.Background(), "deal")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySource))
}

func TestFetchPage(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponderWithQuery(http.MethodGet, testBaseURL+"/deal",
		map[string]string{"offset": "50", "limit": "50", "sort": "created_at"},
		httpmock.NewStringResponder(http.StatusOK, `{
			"data": [
				{"id": "d-1", "deal_name": "Kitchen", "amount": 1200.5, "tags": ["a", "b"]},
				{"id": "d-2", "deal_name": "Bathroom", "custom_fields": {"floor": 2}}
			]
		}`))

	records, err := src.FetchPage(context.Background(), "deal", 50, 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d-1", records[0]["id"])
	assert.InDelta(t, 1200.5, records[0]["amount"], 0.0001)
	assert.Equal(t, []any{"a", "b"}, records[0]["tags"])
	assert.Equal(t, map[string]any{"floor": float64(2)}, records[1]["custom_fields"])
}

func TestFetchPageNestedDataPath(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t, func(s *conf.HTTPSourceSettings) {
		s.DataPath = "result.items"
	})

	body := `{"result": {"items": []}}`
	for i := range 3 {
		var err error
		body, err = sjson.Set(body, "result.items.-1", map[string]any{
			"id":       fmt.Sprintf("t-%d", i),
			"subject":  "Leaking tap",
			"priority": i,
		})
		require.NoError(t, err)
	}
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/ticket",
		httpmock.NewStringResponder(http.StatusOK, body))

	records, err := src.FetchPage(context.Background(), "ticket", 0, 50)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "t-2", records[2]["id"])
	assert.InDelta(t, 2, records[2]["priority"], 0)
}

func TestFetchPageRejectsNonObjects(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal",
		httpmock.NewStringResponder(http.StatusOK, `{"data": [{"id": "d-1"}, 42]}`))

	_, err := src.FetchPage(context.Background(), "deal", 0, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1 is not an object")
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	calls := 0
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal/count",
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"total": 5}`), nil
		})

	n, err := src.Count(context.Background(), "deal")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, 3, calls)
}

func TestGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal/count",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	_, err := src.Count(context.Background(), "deal")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySource))
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 3, transport.GetTotalCallCount())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/deal/count",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error": "bad token"}`))

	_, err := src.Count(context.Background(), "deal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestUnknownObjectType(t *testing.T) {
	t.Parallel()

	src, transport := newTestSource(t)
	_, err := src.FetchPage(context.Background(), "invoice", 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Zero(t, transport.GetTotalCallCount())
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	src, _ := newTestSource(t, func(s *conf.HTTPSourceSettings) {
		s.RateLimit = 0.001
	})
	// the first token is available immediately, the second wait exceeds the deadline
	src.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.Count(ctx, "deal")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

func TestInvalidBaseURL(t *testing.T) {
	t.Parallel()

	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	_, err := NewSource(&conf.HTTPSourceSettings{BaseURL: "not a url"}, schema.NewRegistry(log, 0), log)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
