package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("hub-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("server", 2)
	RecordJob("done")
	AddConnections(1)
	AddConnections(-1)
	RecordBridgeCall(2, "ok", 24*time.Millisecond)

	before := testutil.ToFloat64(envelopesDropped.WithLabelValues("server", DropUnknownOpcode))
	RecordDrop("server", DropUnknownOpcode)
	after := testutil.ToFloat64(envelopesDropped.WithLabelValues("server", DropUnknownOpcode))
	if after-before != 1 {
		t.Fatalf("drop counter delta=%v want 1", after-before)
	}
}

func TestRequestMetricsUseRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware("test-svc"))
	r.GET("/devices/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	counter := httpRequests.WithLabelValues("test-svc", "GET", "/devices/:id", "204")
	before := testutil.ToFloat64(counter)
	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/devices/"+id, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status=%d", rr.Code)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Fatalf("request counter delta=%v want 2", got)
	}
}
