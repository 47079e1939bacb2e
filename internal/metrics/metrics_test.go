package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservePhaseRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	called := false
	m.ObservePhase("collect", func() { called = true })
	assert.True(t, called)

	mf, err := reg.Gather()
	require.NoError(t, err)
	found := findMetricFamily(mf, "arbiter_phase_duration_seconds")
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	assert.EqualValues(t, 1, found.Metric[0].GetHistogram().GetSampleCount())
}

func TestObservePhaseNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	called := false
	m.ObservePhase("collect", func() { called = true })
	assert.True(t, called)
}

func TestServerRequiresBearerTokenWhenConfigured(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := Server(":0", "secret", reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerOpenWhenNoTokenConfigured(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := Server(":0", "", reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func findMetricFamily(mf []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range mf {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
