package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))

	m.Chunk("deepseek")
	m.Chunk("deepseek")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksTotal.WithLabelValues("deepseek")))

	m.StreamDone("deepseek", OutcomeOK, time.Now())
	m.StreamDone("deepseek", OutcomeDuplicate, time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("deepseek", OutcomeOK)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StreamDuration))

	m.Usage("deepseek", 12)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.UsageCharacters.WithLabelValues("deepseek")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.Chunk("x")
		m.StreamDone("x", OutcomeError, time.Now())
		m.Usage("x", 1)
		m.ConnClosed()
	})
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.Chunk("deepseek")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pai_chat_stream_chunks_total{channel="deepseek"} 1`)
}
