package clinical

import (
	"context"
	"errors"
	"testing"

	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

func observation(subject string, value float64) resource.Resource {
	return resource.Resource{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8310-5"}},
		},
		"subject":           map[string]interface{}{"reference": subject},
		"effectiveDateTime": "2024-03-01T10:00:00Z",
		"valueQuantity":     map[string]interface{}{"value": value, "unit": "Cel"},
	}
}

func TestValidateObservation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(resource.Resource)
		wantErr bool
	}{
		{"valid", func(resource.Resource) {}, false},
		{"missing status", func(r resource.Resource) { delete(r, "status") }, true},
		{"bad status", func(r resource.Resource) { r["status"] = "done" }, true},
		{"missing code", func(r resource.Resource) { delete(r, "code") }, true},
		{"empty code", func(r resource.Resource) { r["code"] = map[string]interface{}{} }, true},
		{"text code", func(r resource.Resource) { r["code"] = map[string]interface{}{"text": "Temp"} }, false},
		{"subject wrong type", func(r resource.Resource) { r["subject"] = map[string]interface{}{"reference": "Practitioner/1"} }, true},
		{"no subject", func(r resource.Resource) { delete(r, "subject") }, false},
		{"performer practitioner", func(r resource.Resource) {
			r["performer"] = []interface{}{map[string]interface{}{"reference": "Practitioner/d1"}}
		}, false},
		{"performer wrong type", func(r resource.Resource) {
			r["performer"] = []interface{}{map[string]interface{}{"reference": "Banana/1"}}
		}, true},
		{"performer not array", func(r resource.Resource) {
			r["performer"] = map[string]interface{}{"reference": "Practitioner/d1"}
		}, true},
		{"value not number", func(r resource.Resource) { r["valueQuantity"] = map[string]interface{}{"value": "37"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := observation("Patient/p1", 37)
			tt.mutate(r)
			if err := ValidateObservation(r); (err != nil) != tt.wantErr {
				t.Errorf("ValidateObservation() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestObservationHandler_Capabilities(t *testing.T) {
	reg := registry.New()
	if err := Register(reg, storage.NewMemoryBackend()); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	e, err := reg.Lookup("Observation")
	if err != nil {
		t.Fatal(err)
	}
	want := []resource.Interaction{resource.InteractionCreate, resource.InteractionRead, resource.InteractionSearch}
	if len(e.Interactions) != len(want) {
		t.Fatalf("expected %v, got %v", want, e.Interactions)
	}
	for i := range want {
		if e.Interactions[i] != want[i] {
			t.Errorf("expected %v, got %v", want, e.Interactions)
		}
	}
	if e.Updater != nil || e.Deleter != nil {
		t.Error("Observation must not be updatable or deletable")
	}
}

func TestObservationHandler_CreateSearch(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	seedPatients(t, backend, "p1", "p2")
	h := NewObservationHandler(backend)

	hot, err := h.Create(ctx, observation("Patient/p1", 39.5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Create(ctx, observation("Patient/p2", 36.8)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Create(ctx, resource.Resource{"resourceType": "Observation"}); !errors.Is(err, resource.ErrInvalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}

	got, err := h.Read(ctx, hot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got["status"] != "final" {
		t.Errorf("unexpected status %v", got["status"])
	}

	for _, q := range []string{
		"subject=Patient/p1",
		"patient=p1",
		"value-quantity=gt38",
		"code=http://loinc.org|8310-5&value-quantity=ge39",
	} {
		t.Run(q, func(t *testing.T) {
			req, err := resource.ParseSearchQuery("Observation", q)
			if err != nil {
				t.Fatal(err)
			}
			ids, err := h.Search(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 || ids[0] != hot.ID {
				t.Errorf("expected [%s], got %v", hot.ID, ids)
			}
		})
	}
}

func seedPatients(t *testing.T, backend storage.Backend, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := backend.Create(context.Background(), "Patient", id, resource.Resource{"resourceType": "Patient"}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestObservationHandler_ReferencedResourcesMustExist(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	seedPatients(t, backend, "p1")
	if _, err := backend.Create(ctx, "Practitioner", "d1", resource.Resource{"resourceType": "Practitioner"}); err != nil {
		t.Fatal(err)
	}
	h := NewObservationHandler(backend)

	withPerformer := func(subject, performer string) resource.Resource {
		r := observation(subject, 37)
		r["performer"] = []interface{}{map[string]interface{}{"reference": performer}}
		return r
	}

	tests := []struct {
		name    string
		obs     resource.Resource
		wantErr bool
	}{
		{"existing subject and performer", withPerformer("Patient/p1", "Practitioner/d1"), false},
		{"missing subject", observation("Patient/does-not-exist", 37), true},
		{"missing performer", withPerformer("Patient/p1", "Practitioner/nobody"), true},
		{"performer of an unknown type", withPerformer("Patient/p1", "Banana/1"), true},
		{"subject not stored here", observation("Device/d9", 37), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Create(ctx, tt.obs)
			if tt.wantErr && !errors.Is(err, resource.ErrInvalid) {
				t.Fatalf("expected Invalid, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	if err := backend.Delete(ctx, "Patient", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Create(ctx, observation("Patient/p1", 37)); !errors.Is(err, resource.ErrInvalid) {
		t.Errorf("expected Invalid for a deleted subject, got %v", err)
	}
}
