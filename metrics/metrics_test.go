package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveChannelCall(t *testing.T) {
	before := testutil.ToFloat64(ChannelRequests.WithLabelValues("test-chan", "publish", "error"))
	ObserveChannelCall("test-chan", "publish", errors.New("boom"), 10*time.Millisecond)
	ObserveChannelCall("test-chan", "publish", nil, 10*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(ChannelRequests.WithLabelValues("test-chan", "publish", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(ChannelRequests.WithLabelValues("test-chan", "publish", "ok")), 1.0)
}

func TestMetricsHandler(t *testing.T) {
	srv, err := New("guardian-test", "127.0.0.1:0")
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `guardian_switch_build_info{service="guardian-test"} 1`)
}
