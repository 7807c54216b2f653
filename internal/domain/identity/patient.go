package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

// PatientSearchParams are the Patient search parameters beyond _id and
// _lastUpdated.
var PatientSearchParams = []resource.SearchParamDef{
	{Name: "family", Type: "string", Paths: []string{"name.family"}, Documentation: "A portion of the family name of the patient"},
	{Name: "given", Type: "string", Paths: []string{"name.given"}, Documentation: "A portion of the given name of the patient"},
	{Name: "name", Type: "string", Paths: []string{"name.family", "name.given", "name.text"}, Documentation: "A portion of either family or given name of the patient"},
	{Name: "identifier", Type: "token", Paths: []string{"identifier"}, Documentation: "A patient identifier"},
	{Name: "gender", Type: "token", Paths: []string{"gender"}, Documentation: "Gender of the patient"},
	{Name: "birthdate", Type: "date", Paths: []string{"birthDate"}, Documentation: "The patient's date of birth"},
	{Name: "active", Type: "token", Paths: []string{"active"}, Documentation: "Whether the patient record is active"},
	{Name: "telecom", Type: "token", Paths: []string{"telecom"}, Documentation: "The value in any kind of telecom details of the patient"},
	{Name: "general-practitioner", Type: "reference", Paths: []string{"generalPractitioner"}, Documentation: "Patient's nominated general practitioner"},
}

var administrativeGenders = map[string]bool{"male": true, "female": true, "other": true, "unknown": true}

// NewPatientRepo binds Patient to backend with full read/write support.
func NewPatientRepo(backend storage.Backend) *storage.Repo {
	return storage.NewRepo(backend, "Patient", PatientSearchParams, storage.WithValidator(ValidatePatient))
}

// ValidatePatient checks the structural rules the server enforces on Patient
// payloads. Everything not checked here is stored as sent.
func ValidatePatient(r resource.Resource) error {
	var errs []error
	if err := validateNames(r); err != nil {
		errs = append(errs, err)
	}
	if g, ok := r["gender"]; ok {
		s, _ := g.(string)
		if !administrativeGenders[s] {
			errs = append(errs, fmt.Errorf("gender %v is not one of male, female, other, unknown", g))
		}
	}
	if b, ok := r["birthDate"]; ok {
		if err := validateDate("birthDate", b); err != nil {
			errs = append(errs, err)
		}
	}
	if a, ok := r["active"]; ok {
		if _, isBool := a.(bool); !isBool {
			errs = append(errs, errors.New("active must be a boolean"))
		}
	}
	if err := validateIdentifiers(r); err != nil {
		errs = append(errs, err)
	}
	if err := validateReferences(r, "generalPractitioner", "Practitioner", "Organization", "PractitionerRole"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// validateNames requires name, when present, to be a list of HumanName
// objects each carrying at least one of family, given or text.
func validateNames(r resource.Resource) error {
	raw, ok := r["name"]
	if !ok {
		return nil
	}
	names, ok := raw.([]interface{})
	if !ok {
		return errors.New("name must be an array")
	}
	for i, n := range names {
		m, ok := n.(map[string]interface{})
		if !ok {
			return fmt.Errorf("name[%d] must be an object", i)
		}
		_, fam := m["family"].(string)
		given, _ := m["given"].([]interface{})
		_, text := m["text"].(string)
		if !fam && len(given) == 0 && !text {
			return fmt.Errorf("name[%d] needs family, given or text", i)
		}
		if g, ok := m["given"]; ok {
			if _, isList := g.([]interface{}); !isList {
				return fmt.Errorf("name[%d].given must be an array", i)
			}
		}
	}
	return nil
}

func validateIdentifiers(r resource.Resource) error {
	raw, ok := r["identifier"]
	if !ok {
		return nil
	}
	ids, ok := raw.([]interface{})
	if !ok {
		return errors.New("identifier must be an array")
	}
	for i, id := range ids {
		m, ok := id.(map[string]interface{})
		if !ok {
			return fmt.Errorf("identifier[%d] must be an object", i)
		}
		if v, _ := m["value"].(string); v == "" {
			return fmt.Errorf("identifier[%d].value is required", i)
		}
	}
	return nil
}

// validateReferences checks that every Reference in field points at one of
// the allowed types.
func validateReferences(r resource.Resource, field string, allowed ...string) error {
	raw, ok := r[field]
	if !ok {
		return nil
	}
	refs, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("%s must be an array", field)
	}
	for i, ref := range refs {
		if err := CheckReference(fmt.Sprintf("%s[%d]", field, i), ref, allowed...); err != nil {
			return err
		}
	}
	return nil
}

// CheckReference validates a single Reference value of the form "Type/id".
func CheckReference(field string, v interface{}, allowed ...string) error {
	m, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%s must be a Reference", field)
	}
	ref, _ := m["reference"].(string)
	typ, id, found := cutReference(ref)
	if !found {
		return fmt.Errorf("%s.reference must have the form Type/id", field)
	}
	if id == "" {
		return fmt.Errorf("%s.reference has an empty id", field)
	}
	for _, a := range allowed {
		if typ == a {
			return nil
		}
	}
	return fmt.Errorf("%s.reference must point at one of %v, got %s", field, allowed, typ)
}

func cutReference(ref string) (typ, id string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], i > 0
		}
	}
	return "", "", false
}

// validateDate accepts the FHIR date forms YYYY, YYYY-MM and YYYY-MM-DD.
func validateDate(field string, v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%s must be a string", field)
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if len(s) == len(layout) {
			if _, err := time.Parse(layout, s); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("%s %q is not a valid date", field, s)
}
