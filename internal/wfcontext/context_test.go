package wfcontext

import "testing"

func TestGetSet_DottedPath(t *testing.T) {
	s := New(nil)
	s.Set("order.customer.name", "Ada")

	v, ok := s.Get("order.customer.name")
	if !ok || v != "Ada" {
		t.Fatalf("Get(order.customer.name) = (%v, %v), want (Ada, true)", v, ok)
	}
}

func TestGet_MissingSegment(t *testing.T) {
	s := New(map[string]any{"order": map[string]any{"id": 1}})

	if _, ok := s.Get("order.customer.name"); ok {
		t.Fatal("Get on missing nested path should return ok=false")
	}
	if _, ok := s.Get("shipment.id"); ok {
		t.Fatal("Get on missing top-level path should return ok=false")
	}
}

func TestNew_CopiesInitialMap(t *testing.T) {
	initial := map[string]any{"a": 1}
	s := New(initial)
	initial["a"] = 2

	v, _ := s.Get("a")
	if v != 1 {
		t.Errorf("Store should not observe mutation of caller's initial map, got %v", v)
	}
}

func TestMerge_DeepMergesNestedMaps(t *testing.T) {
	s := New(map[string]any{
		"order": map[string]any{
			"id":     1,
			"status": "pending",
		},
	})

	s.Merge(map[string]any{
		"order": map[string]any{
			"status": "approved",
		},
		"approver": "mgr-1",
	})

	status, _ := s.Get("order.status")
	id, _ := s.Get("order.id")
	approver, _ := s.Get("approver")

	if status != "approved" {
		t.Errorf("order.status = %v, want approved", status)
	}
	if id != 1 {
		t.Errorf("order.id = %v, want 1 (unrelated keys survive merge)", id)
	}
	if approver != "mgr-1" {
		t.Errorf("approver = %v, want mgr-1", approver)
	}
}

func TestMerge_OverwritesNonMapValues(t *testing.T) {
	s := New(map[string]any{"tags": []any{"a", "b"}})

	s.Merge(map[string]any{"tags": []any{"c"}})

	tags, _ := s.Get("tags")
	got, ok := tags.([]any)
	if !ok || len(got) != 1 || got[0] != "c" {
		t.Errorf("tags = %v, want overwritten slice [c]", tags)
	}
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	s := New(map[string]any{"order": map[string]any{"id": 1}})

	snap := s.Snapshot()
	snap["order"].(map[string]any)["id"] = 999

	id, _ := s.Get("order.id")
	if id != 1 {
		t.Errorf("mutating a snapshot should not affect the Store, got order.id = %v", id)
	}
}

func TestInterpolate_ResolvesDottedPaths(t *testing.T) {
	s := New(map[string]any{
		"order": map[string]any{
			"id":     42,
			"status": "approved",
		},
	})

	got, err := s.Interpolate("Order ${order.id} is ${order.status}")
	if err != nil {
		t.Fatalf("Interpolate error: %v", err)
	}
	if want := "Order 42 is approved"; got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
}

func TestInterpolate_MissingVariableRendersEmpty(t *testing.T) {
	s := New(nil)

	got, err := s.Interpolate("hello ${nope.nothere}!")
	if err != nil {
		t.Fatalf("Interpolate error: %v", err)
	}
	if want := "hello !"; got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
}

func TestInterpolate_NoPlaceholdersPassesThrough(t *testing.T) {
	s := New(nil)

	got, err := s.Interpolate("plain text, no templating here")
	if err != nil {
		t.Fatalf("Interpolate error: %v", err)
	}
	if want := "plain text, no templating here"; got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
}

func TestInterpolate_BoolAndFloatFormatting(t *testing.T) {
	s := New(map[string]any{
		"flag":  true,
		"price": 19.99,
	})

	got, err := s.Interpolate("flag=${flag} price=${price}")
	if err != nil {
		t.Fatalf("Interpolate error: %v", err)
	}
	if want := "flag=true price=19.99"; got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
}
