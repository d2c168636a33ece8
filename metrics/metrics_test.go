package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCreation(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NotNil(t, m.Uploads)
	require.NotNil(t, m.LicenseChecks)

	m.Upload(http.StatusCreated)
	m.Upload(http.StatusCreated)
	m.Upload(http.StatusRequestEntityTooLarge)
	m.Add(m.DedupHits, 1)
	m.LicenseCheck("expired")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Uploads.WithLabelValues("Created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("Request Entity Too Large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LicenseChecks.WithLabelValues("expired")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Upload(http.StatusCreated)
	m.Fetch("ok")
	m.Internal(http.StatusUnauthorized)
	m.LicenseCheck("ok")
	m.Add(nil, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Fetch("ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `depot_replication_fetches_total{outcome="ok"} 1`))
}
