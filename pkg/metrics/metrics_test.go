package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	c.RecordCacheLookup("memory", true)
	c.RecordCacheError("redis", "get")
	c.RecordQuotaDecision(false, "requests")
	c.SetQuotaUsage(1, 2, 3)
	c.RecordProviderCall("openai", "gpt-4o", "ok", time.Second)
	c.RecordTokens("gpt-4o", 1, 2)
	c.RecordImage()
	assert.Nil(t, c.Registry())
}

func TestCollectorCounts(t *testing.T) {
	c := New("copydesk_test")

	c.RecordCacheLookup("memory", true)
	c.RecordCacheLookup("memory", true)
	c.RecordCacheLookup("memory", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("memory", "miss")))

	c.RecordQuotaDecision(false, "tokens")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.quotaDecisions.WithLabelValues("denied", "tokens")))

	c.SetQuotaUsage(3, 1200, 1)
	assert.Equal(t, 1200.0, testutil.ToFloat64(c.quotaUsage.WithLabelValues("tokens")))

	c.RecordImage()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.imagesGenerated))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("copydesk_test")
	c.RecordHTTPRequest("POST", "/api/generate", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "copydesk_test_http_requests_total")
}
