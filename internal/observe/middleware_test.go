package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	mux     *http.ServeMux
	handler http.Handler
}

// newHarness wires the middleware in front of a mux with a status route, an
// id route and a websocket route, recording to in-memory exporters. Tests
// using it swap the global tracer provider and must not run in parallel.
func newHarness(t *testing.T) harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /v1/sources/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		typ, msg, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), typ, msg)
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return harness{
		metrics: m,
		reader:  reader,
		spans:   exp,
		mux:     mux,
		handler: Middleware(m, WithRoutes(mux), WithQuietPaths("/healthz"))(mux),
	}
}

func (h harness) serve(method, path string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h := newHarness(t)

	rec := h.serve("GET", "/v1/status", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Errorf("X-Correlation-ID = %q, want a 32 hex trace id", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw %q, response carries %q", seen, cid)
	}

	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec = h.serve("GET", "/v1/status", http.Header{
		"Traceparent": {"00-" + parent + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != parent {
		t.Errorf("X-Correlation-ID = %q, want incoming trace %q", got, parent)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h := newHarness(t)

	h.serve("DELETE", "/v1/sources/tts-1", nil)
	h.serve("DELETE", "/v1/sources/tts-2", nil)
	h.serve("GET", "/nowhere", nil)

	spans := h.spans.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if want := "HTTP DELETE /v1/sources/{id}"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	var status int64
	for _, a := range spans[2].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("unmatched span status = %d, want 404", status)
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "bargein.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] += dp.Count
	}
	if counts["DELETE /v1/sources/{id}"] != 2 || counts["unmatched"] != 1 {
		t.Errorf("per-route counts = %v", counts)
	}
}

func TestMiddleware_WebsocketUpgrade(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil || string(msg) != "ping" {
		t.Fatalf("Read = %q, %v", msg, err)
	}
}
