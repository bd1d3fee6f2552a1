package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
)

func TestMultiSkipsNilAndPreservesOrder(t *testing.T) {
	var order []string
	a := SinkFunc(func(Event) { order = append(order, "a") })
	b := SinkFunc(func(Event) { order = append(order, "b") })

	Multi(a, nil, b).Emit(Event{Kind: KindLiquidation})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Emit(Event{Kind: KindPositionLiquidated, PositionID: "A"})
	r.Emit(Event{Kind: KindPositionUpdated, PositionID: "A"})
	r.Emit(Event{Kind: KindPositionLiquidated, PositionID: "B"})

	if got := len(r.Events()); got != 3 {
		t.Fatalf("events = %d", got)
	}
	liquidated := r.OfKind(KindPositionLiquidated)
	if len(liquidated) != 2 || liquidated[1].PositionID != "B" {
		t.Errorf("liquidated = %+v", liquidated)
	}

	r.Reset()
	if len(r.Events()) != 0 {
		t.Error("expected empty recorder after Reset")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LogSink(logger).Emit(Event{
		Kind:       KindPositionLiquidated,
		PositionID: "A",
		Mode:       "recovery",
		Debt:       uint256.NewInt(100),
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["kind"] != "position_liquidated" || line["position"] != "A" || line["mode"] != "recovery" {
		t.Errorf("line = %v", line)
	}
	if line["debt"] != "100" {
		t.Errorf("debt = %v", line["debt"])
	}
	if _, ok := line["status"]; ok {
		t.Error("unset fields must be omitted")
	}
}
