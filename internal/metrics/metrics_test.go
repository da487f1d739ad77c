package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Applied("packages", "insert")
	m.Applied("packages", "insert")
	m.Dropped("packages", "duplicate")
	m.RolledBack("locations")
	m.FeedStatus(feed.Topic{Collection: "packages"}, feed.Status{State: feed.StateClosed, Reason: feed.ReasonTeardown})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.changes.WithLabelValues("packages", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("packages", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("locations")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedStatus.WithLabelValues("packages", "closed", "teardown")))

	m.WorkspaceOpened()
	m.WorkspaceOpened()
	m.WorkspaceClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workspaces))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, http.StatusOK, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warehouse_http_request_duration_seconds")
}
