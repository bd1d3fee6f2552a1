package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

func TestSinkTracksLiquidations(t *testing.T) {
	before := testutil.ToFloat64(PositionsLiquidated.WithLabelValues("recovery"))
	batches := testutil.ToFloat64(LiquidationBatches)
	debt := testutil.ToFloat64(LiquidatedDebt)

	s := Sink()
	s.Emit(events.Event{Kind: events.KindPositionLiquidated, Mode: "recovery"})
	s.Emit(events.Event{
		Kind:                events.KindLiquidation,
		Debt:                fixedpoint.MustDecimal("1000.5"),
		Coll:                fixedpoint.Units(10),
		CollGasCompensation: fixedpoint.MustDecimal("0.05"),
	})

	if got := testutil.ToFloat64(PositionsLiquidated.WithLabelValues("recovery")) - before; got != 1 {
		t.Errorf("positions liquidated delta = %v", got)
	}
	if got := testutil.ToFloat64(LiquidationBatches) - batches; got != 1 {
		t.Errorf("batches delta = %v", got)
	}
	if got := testutil.ToFloat64(LiquidatedDebt) - debt; got != 1000.5 {
		t.Errorf("debt delta = %v", got)
	}
}

func TestSinkTracksOracleStatus(t *testing.T) {
	s := Sink()
	s.Emit(events.Event{Kind: events.KindOracleStatusChanged, Status: "PrimaryTrusted"})
	s.Emit(events.Event{Kind: events.KindOracleStatusChanged, Status: "BothDistrusted"})
	s.Emit(events.Event{Kind: events.KindLastGoodPriceUpdated, Price: fixedpoint.MustDecimal("1999.25")})

	if v := testutil.ToFloat64(OracleStatus.WithLabelValues("BothDistrusted")); v != 1 {
		t.Errorf("BothDistrusted = %v", v)
	}
	if v := testutil.ToFloat64(OracleStatus.WithLabelValues("PrimaryTrusted")); v != 0 {
		t.Errorf("PrimaryTrusted = %v", v)
	}
	if v := testutil.ToFloat64(LastGoodPrice); v != 1999.25 {
		t.Errorf("last good price = %v", v)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/positions/{positionID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/positions/{positionID}", "418"))
	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/positions/"+id, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/positions/{positionID}", "418"))
	if after-before != 2 {
		t.Errorf("requests recorded = %v, want 2", after-before)
	}
}
