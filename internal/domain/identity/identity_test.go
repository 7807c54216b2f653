package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

func patient(family string, extra map[string]interface{}) resource.Resource {
	r := resource.Resource{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": family, "given": []interface{}{"Ann"}}},
	}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

func TestValidatePatient(t *testing.T) {
	tests := []struct {
		name    string
		r       resource.Resource
		wantErr bool
	}{
		{"minimal", resource.Resource{"resourceType": "Patient"}, false},
		{"full", patient("Smith", map[string]interface{}{
			"gender":              "female",
			"birthDate":           "1980-02-29",
			"active":              true,
			"identifier":          []interface{}{map[string]interface{}{"system": "urn:mrn", "value": "123"}},
			"generalPractitioner": []interface{}{map[string]interface{}{"reference": "Practitioner/p1"}},
		}), false},
		{"partial date", patient("Smith", map[string]interface{}{"birthDate": "1980-02"}), false},
		{"bad gender", patient("Smith", map[string]interface{}{"gender": "f"}), true},
		{"bad date", patient("Smith", map[string]interface{}{"birthDate": "1981-02-29"}), true},
		{"date with time", patient("Smith", map[string]interface{}{"birthDate": "1980-01-01T00:00:00Z"}), true},
		{"active not bool", patient("Smith", map[string]interface{}{"active": "yes"}), true},
		{"name not array", resource.Resource{"name": map[string]interface{}{"family": "x"}}, true},
		{"empty name", resource.Resource{"name": []interface{}{map[string]interface{}{}}}, true},
		{"identifier without value", patient("Smith", map[string]interface{}{
			"identifier": []interface{}{map[string]interface{}{"system": "urn:mrn"}},
		}), true},
		{"gp wrong type", patient("Smith", map[string]interface{}{
			"generalPractitioner": []interface{}{map[string]interface{}{"reference": "Patient/p1"}},
		}), true},
		{"gp malformed", patient("Smith", map[string]interface{}{
			"generalPractitioner": []interface{}{map[string]interface{}{"reference": "p1"}},
		}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatient(tt.r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePatient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePractitioner(t *testing.T) {
	if err := ValidatePractitioner(resource.Resource{"resourceType": "Practitioner"}); err == nil {
		t.Error("expected an error without name or identifier")
	}
	ok := resource.Resource{"identifier": []interface{}{map[string]interface{}{"value": "NPI-1"}}}
	if err := ValidatePractitioner(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPatientRepo_RejectsInvalid(t *testing.T) {
	repo := NewPatientRepo(storage.NewMemoryBackend())
	_, err := repo.Create(context.Background(), patient("Smith", map[string]interface{}{"gender": "x"}))
	if !errors.Is(err, resource.ErrInvalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestPatientRepo_Search(t *testing.T) {
	ctx := context.Background()
	repo := NewPatientRepo(storage.NewMemoryBackend())

	smith, err := repo.Create(ctx, patient("Smith", map[string]interface{}{"gender": "female", "birthDate": "1970-05-01"}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, patient("Jones", map[string]interface{}{"gender": "male", "birthDate": "1990-01-01"})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"family=smi", []string{smith.ID}},
		{"name=smith", []string{smith.ID}},
		{"gender=female", []string{smith.ID}},
		{"birthdate=lt1980", []string{smith.ID}},
		{"family=smith&gender=male", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req, err := resource.ParseSearchQuery("Patient", tt.query)
			if err != nil {
				t.Fatal(err)
			}
			ids, err := repo.Search(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, ids)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, ids)
				}
			}
		})
	}
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	if err := Register(reg, storage.NewMemoryBackend()); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	types := reg.Types()
	if len(types) != 2 || types[0] != "Patient" || types[1] != "Practitioner" {
		t.Fatalf("unexpected types %v", types)
	}
	e, err := reg.Lookup("Patient")
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []resource.Interaction{resource.InteractionCreate, resource.InteractionVRead, resource.InteractionDelete, resource.InteractionSearch} {
		if !e.Supports(i) {
			t.Errorf("expected Patient to support %s", i)
		}
	}
	if _, ok := e.SearchParam("family"); !ok {
		t.Error("expected Patient to declare family")
	}
}
