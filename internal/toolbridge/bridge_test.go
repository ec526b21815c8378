package toolbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/pkg/upstream"
)

const validOrder = `{
	"items": [
		{"name": "Shoyu Ramen", "quantity": 2, "unit_price": 900},
		{"name": "Gyoza", "quantity": 1, "unit_price": 450}
	],
	"total": 2250,
	"customer_name": "Tanaka"
}`

func newBridge(t *testing.T, catalog *toolbridge.Catalog, opts ...toolbridge.Option) *toolbridge.Bridge {
	t.Helper()
	tool, err := toolbridge.NewConfirmOrder(catalog)
	if err != nil {
		t.Fatalf("NewConfirmOrder: %v", err)
	}
	return toolbridge.New(append([]toolbridge.Option{toolbridge.WithTool(tool)}, opts...)...)
}

func call(id, args string) upstream.ToolCall {
	return upstream.ToolCall{RequestID: id, Name: toolbridge.ConfirmOrderTool, Args: json.RawMessage(args)}
}

func TestBridge_ValidOrder(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	out := b.Handle(context.Background(), call("req-1", validOrder))

	if out.Err != nil || out.Event == nil {
		t.Fatalf("Handle = %+v; want event", out)
	}
	order, ok := out.Event.Payload.(toolbridge.OrderSummary)
	if !ok {
		t.Fatalf("Payload is %T, want OrderSummary", out.Event.Payload)
	}
	if len(order.Items) != 2 || order.Total != 2250 || order.CustomerName != "Tanaka" {
		t.Errorf("order = %+v", order)
	}
	if out.Event.RequestID != "req-1" || out.Event.Name != toolbridge.ConfirmOrderTool {
		t.Errorf("event = %+v", out.Event)
	}
	if out.Result.RequestID != "req-1" || out.Result.Output["status"] != "confirmed" {
		t.Errorf("Result = %+v; want confirmed", out.Result)
	}
}

func TestBridge_RejectsInvalidOrders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args string
	}{
		{name: "missing total", args: `{"items":[{"name":"Gyoza","quantity":1,"unit_price":450}]}`},
		{name: "missing items", args: `{"total":450}`},
		{name: "empty items", args: `{"items":[],"total":0}`},
		{name: "string total", args: `{"items":[{"name":"Gyoza","quantity":1,"unit_price":450}],"total":"450"}`},
		{name: "zero quantity", args: `{"items":[{"name":"Gyoza","quantity":0,"unit_price":450}],"total":0}`},
		{name: "empty item name", args: `{"items":[{"name":"","quantity":1,"unit_price":450}],"total":450}`},
		{name: "total mismatch", args: `{"items":[{"name":"Gyoza","quantity":2,"unit_price":450}],"total":450}`},
		{name: "unexpected field", args: `{"items":[{"name":"Gyoza","quantity":1,"unit_price":450}],"total":450,"coupon":"X"}`},
		{name: "not an object", args: `[1,2]`},
		{name: "no arguments", args: ``},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := newBridge(t, nil)
			out := b.Handle(context.Background(), call("req", tc.args))

			if out.Event != nil {
				t.Fatalf("invalid order produced event %+v", out.Event)
			}
			var ve *toolbridge.ValidationError
			if !errors.As(out.Err, &ve) || !errors.Is(out.Err, toolbridge.ErrInvalidArguments) {
				t.Fatalf("Err = %v; want ValidationError wrapping ErrInvalidArguments", out.Err)
			}
			if len(ve.Problems) == 0 {
				t.Error("ValidationError has no problems")
			}
			if _, ok := out.Result.Output["error"]; !ok {
				t.Errorf("Result = %+v; want error output", out.Result)
			}
		})
	}
}

func TestBridge_TotalWithinTolerance(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	out := b.Handle(context.Background(), call("r", `{"items":[{"name":"Tea","quantity":3,"unit_price":133.33}],"total":400}`))
	if out.Err != nil {
		t.Errorf("Err = %v; want total accepted within one yen", out.Err)
	}
}

func TestBridge_DeduplicatesByRequestID(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	first := b.Handle(context.Background(), call("dup", validOrder))
	second := b.Handle(context.Background(), call("dup", validOrder))

	if first.Event == nil {
		t.Fatal("first delivery produced no event")
	}
	if !second.Duplicate || second.Event != nil || second.Err != nil {
		t.Errorf("second delivery = %+v; want duplicate without event", second)
	}
	if second.Result.RequestID != "dup" || second.Result.Output["status"] != "confirmed" {
		t.Errorf("duplicate Result = %+v; want the first answer again", second.Result)
	}
}

func TestBridge_DuplicateInvalidNotReported(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	first := b.Handle(context.Background(), call("bad", `{}`))
	second := b.Handle(context.Background(), call("bad", `{}`))

	if first.Err == nil {
		t.Fatal("first delivery was not rejected")
	}
	if !second.Duplicate || second.Err != nil {
		t.Errorf("second delivery = %+v; want silent duplicate", second)
	}
}

func TestBridge_ConcurrentDeliveriesYieldOneEvent(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		events int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out := b.Handle(context.Background(), call("same", validOrder)); out.Event != nil {
				mu.Lock()
				events++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if events != 1 {
		t.Errorf("events = %d, want exactly 1", events)
	}
}

func TestBridge_EmptyRequestIDNotDeduplicated(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	a := b.Handle(context.Background(), call("", validOrder))
	c := b.Handle(context.Background(), call("", validOrder))
	if a.Event == nil || c.Event == nil {
		t.Errorf("events = %v, %v; want both delivered", a.Event, c.Event)
	}
}

func TestBridge_UnknownTool(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	out := b.Handle(context.Background(), upstream.ToolCall{RequestID: "x", Name: "launch_rocket", Args: json.RawMessage(`{}`)})

	var ve *toolbridge.ValidationError
	if !errors.Is(out.Err, toolbridge.ErrUnknownTool) || !errors.As(out.Err, &ve) || ve.RequestID != "x" {
		t.Errorf("Err = %v; want unknown tool validation error", out.Err)
	}
	if out.Result.Name != "launch_rocket" || out.Result.Output["error"] == nil {
		t.Errorf("Result = %+v", out.Result)
	}
}

func TestBridge_CatalogCanonicalisesItems(t *testing.T) {
	t.Parallel()

	catalog := toolbridge.NewCatalog([]toolbridge.MenuItem{
		{Name: "Shoyu Ramen", Price: 900},
		{Name: "Miso Ramen", Price: 950},
		{Name: "餃子", Price: 450, Aliases: []string{"Gyoza", "ギョーザ"}},
	})
	b := newBridge(t, catalog)

	out := b.Handle(context.Background(), call("c1", `{
		"items": [
			{"name": "shoyu raman", "quantity": 1, "unit_price": 900},
			{"name": "ｷﾞｮｰｻﾞ", "quantity": 2, "unit_price": 0}
		],
		"total": 1800
	}`))
	if out.Err != nil {
		t.Fatalf("Err = %v", out.Err)
	}
	order := out.Event.Payload.(toolbridge.OrderSummary)
	if order.Items[0].Name != "Shoyu Ramen" {
		t.Errorf("item 0 = %q, want Shoyu Ramen", order.Items[0].Name)
	}
	if order.Items[1].Name != "餃子" || order.Items[1].UnitPrice != 450 {
		t.Errorf("item 1 = %+v; want 餃子 at menu price", order.Items[1])
	}
}

func TestBridge_CatalogFillsMissingPrices(t *testing.T) {
	t.Parallel()

	catalog := toolbridge.NewCatalog([]toolbridge.MenuItem{{Name: "Shoyu Ramen", Price: 900}})
	b := newBridge(t, catalog)

	out := b.Handle(context.Background(), call("c3", `{"items":[{"name":"shoyu ramen","quantity":2}],"total":1800}`))
	if out.Err != nil {
		t.Fatalf("Err = %v; want the price taken from the menu", out.Err)
	}
	order := out.Event.Payload.(toolbridge.OrderSummary)
	if got := order.Items[0]; got.Name != "Shoyu Ramen" || got.UnitPrice != 900 {
		t.Errorf("item = %+v; want Shoyu Ramen at 900", got)
	}
}

func TestBridge_MissingPriceWithoutMenu(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	out := b.Handle(context.Background(), call("c4", `{"items":[{"name":"Tea","quantity":1}],"total":300}`))
	if !errors.Is(out.Err, toolbridge.ErrInvalidArguments) {
		t.Errorf("Err = %v; want the unpriced total rejected", out.Err)
	}
}

func TestBridge_CatalogRejectsUnknownItem(t *testing.T) {
	t.Parallel()

	catalog := toolbridge.NewCatalog([]toolbridge.MenuItem{{Name: "Shoyu Ramen", Price: 900}})
	b := newBridge(t, catalog)

	out := b.Handle(context.Background(), call("c2", `{"items":[{"name":"Pizza Margherita","quantity":1,"unit_price":1200}],"total":1200}`))
	if !errors.Is(out.Err, toolbridge.ErrInvalidArguments) {
		t.Errorf("Err = %v; want unknown menu item rejected", out.Err)
	}
}

func TestBridge_Declarations(t *testing.T) {
	t.Parallel()

	b := newBridge(t, nil)
	decls := b.Declarations()
	if len(decls) != 1 || decls[0].Name != toolbridge.ConfirmOrderTool || decls[0].Description == "" {
		t.Fatalf("Declarations = %+v", decls)
	}

	params := decls[0].Parameters
	if params["type"] != "object" {
		t.Errorf("type = %v, want object", params["type"])
	}
	for _, key := range []string{"$schema", "$id", "additionalProperties"} {
		if _, ok := params[key]; ok {
			t.Errorf("declaration carries %q", key)
		}
	}
	props, _ := params["properties"].(map[string]any)
	for _, p := range []string{"items", "total", "customer_name", "pickup_time"} {
		if _, ok := props[p]; !ok {
			t.Errorf("property %q missing", p)
		}
	}

	var required []string
	for _, r := range params["required"].([]any) {
		required = append(required, r.(string))
	}
	if !slices.Contains(required, "items") || !slices.Contains(required, "total") {
		t.Errorf("required = %v; want items and total", required)
	}
	if slices.Contains(required, "customer_name") {
		t.Errorf("required = %v; customer_name is optional", required)
	}
}

func TestBridge_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := newBridge(t, nil, toolbridge.WithMetrics(m))
	b.Handle(context.Background(), call("1", validOrder))
	b.Handle(context.Background(), call("1", validOrder))
	b.Handle(context.Background(), call("2", `{}`))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "starlight.tool.calls" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				got[status.AsString()] += dp.Value
			}
		}
	}
	want := map[string]int64{"confirmed": 1, "duplicate": 1, "invalid": 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("tool calls[%s] = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}
