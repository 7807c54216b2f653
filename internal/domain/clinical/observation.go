// Package clinical provides the Observation resource type.
package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dermal/dermal/internal/domain/identity"
	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

var ObservationSearchParams = []resource.SearchParamDef{
	{Name: "subject", Type: "reference", Paths: []string{"subject"}, Documentation: "The subject that the observation is about"},
	{Name: "patient", Type: "reference", Paths: []string{"subject"}, Documentation: "The subject that the observation is about (if patient)"},
	{Name: "code", Type: "token", Paths: []string{"code"}, Documentation: "The code of the observation type"},
	{Name: "category", Type: "token", Paths: []string{"category"}, Documentation: "The classification of the type of observation"},
	{Name: "status", Type: "token", Paths: []string{"status"}, Documentation: "The status of the observation"},
	{Name: "date", Type: "date", Paths: []string{"effectiveDateTime", "effectivePeriod.start"}, Documentation: "Obtained date/time"},
	{Name: "value-quantity", Type: "number", Paths: []string{"valueQuantity.value"}, Documentation: "The value of the observation"},
}

var observationStatuses = map[string]bool{
	"registered": true, "preliminary": true, "final": true, "amended": true,
	"corrected": true, "cancelled": true, "entered-in-error": true, "unknown": true,
}

var (
	subjectTypes   = []string{"Patient", "Group", "Device", "Location"}
	performerTypes = []string{"Practitioner", "PractitionerRole", "Organization", "CareTeam", "Patient", "RelatedPerson"}
)

// storedTypes are the reference targets this server keeps, so their
// existence can be checked. Other targets are checked for shape only.
var storedTypes = map[string]bool{"Patient": true, "Practitioner": true}

// ObservationHandler exposes create, read and search. Observations are
// corrected by recording a new one, so update and delete are not offered.
type ObservationHandler struct {
	repo    *storage.Repo
	backend storage.Backend
}

func NewObservationHandler(backend storage.Backend) *ObservationHandler {
	return &ObservationHandler{
		repo:    storage.NewRepo(backend, "Observation", ObservationSearchParams, storage.WithValidator(ValidateObservation)),
		backend: backend,
	}
}

func (h *ObservationHandler) ResourceType() string { return "Observation" }

// Create rejects an observation whose subject or performer names a Patient
// or Practitioner that does not exist.
func (h *ObservationHandler) Create(ctx context.Context, r resource.Resource) (resource.Ref, error) {
	if err := h.checkTargets(ctx, r); err != nil {
		return resource.Ref{}, err
	}
	return h.repo.Create(ctx, r)
}

func (h *ObservationHandler) checkTargets(ctx context.Context, r resource.Resource) error {
	refs := []interface{}{r["subject"]}
	if performers, ok := r["performer"].([]interface{}); ok {
		refs = append(refs, performers...)
	}
	for _, v := range refs {
		m, _ := v.(map[string]interface{})
		ref, _ := m["reference"].(string)
		typ, id, ok := strings.Cut(ref, "/")
		if !ok || id == "" || !storedTypes[typ] {
			continue
		}
		if _, err := h.backend.Get(ctx, typ, id); err != nil {
			if errors.Is(err, resource.ErrNotFound) {
				return resource.Invalid("Observation", fmt.Sprintf("referenced %s does not exist", ref))
			}
			return err
		}
	}
	return nil
}

func (h *ObservationHandler) Read(ctx context.Context, id string) (resource.Resource, error) {
	return h.repo.Read(ctx, id)
}

func (h *ObservationHandler) SearchParams() []resource.SearchParamDef {
	return h.repo.SearchParams()
}

func (h *ObservationHandler) Search(ctx context.Context, req resource.SearchRequest) ([]string, error) {
	return h.repo.Search(ctx, req)
}

// ValidateObservation enforces the required status and code and the shape
// of subject, performer and valueQuantity.
func ValidateObservation(r resource.Resource) error {
	var errs []error

	status, _ := r["status"].(string)
	switch {
	case status == "":
		errs = append(errs, errors.New("status is required"))
	case !observationStatuses[status]:
		errs = append(errs, fmt.Errorf("status %q is not a valid observation status", status))
	}

	code, ok := r["code"].(map[string]interface{})
	if !ok {
		errs = append(errs, errors.New("code is required"))
	} else {
		codings, _ := code["coding"].([]interface{})
		text, _ := code["text"].(string)
		if len(codings) == 0 && text == "" {
			errs = append(errs, errors.New("code needs a coding or text"))
		}
	}

	if subj, ok := r["subject"]; ok {
		if err := identity.CheckReference("subject", subj, subjectTypes...); err != nil {
			errs = append(errs, err)
		}
	}

	if raw, ok := r["performer"]; ok {
		performers, isArr := raw.([]interface{})
		if !isArr {
			errs = append(errs, errors.New("performer must be an array"))
		}
		for i, p := range performers {
			if err := identity.CheckReference(fmt.Sprintf("performer[%d]", i), p, performerTypes...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if vq, ok := r["valueQuantity"]; ok {
		m, isObj := vq.(map[string]interface{})
		if !isObj {
			errs = append(errs, errors.New("valueQuantity must be an object"))
		} else if _, isNum := m["value"].(float64); !isNum {
			if _, present := m["value"]; present {
				errs = append(errs, errors.New("valueQuantity.value must be a number"))
			}
		}
	}

	return errors.Join(errs...)
}

// Register adds Observation to reg.
func Register(reg *registry.Registry, backend storage.Backend) error {
	return reg.Register(NewObservationHandler(backend))
}
