package identity

import (
	"errors"
	"fmt"

	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

var PractitionerSearchParams = []resource.SearchParamDef{
	{Name: "family", Type: "string", Paths: []string{"name.family"}, Documentation: "A portion of the family name"},
	{Name: "given", Type: "string", Paths: []string{"name.given"}, Documentation: "A portion of the given name"},
	{Name: "name", Type: "string", Paths: []string{"name.family", "name.given", "name.text"}, Documentation: "A portion of either family or given name"},
	{Name: "identifier", Type: "token", Paths: []string{"identifier"}, Documentation: "A practitioner's Identifier"},
	{Name: "gender", Type: "token", Paths: []string{"gender"}, Documentation: "Gender of the practitioner"},
	{Name: "active", Type: "token", Paths: []string{"active"}, Documentation: "Whether the practitioner record is active"},
}

func NewPractitionerRepo(backend storage.Backend) *storage.Repo {
	return storage.NewRepo(backend, "Practitioner", PractitionerSearchParams, storage.WithValidator(ValidatePractitioner))
}

// ValidatePractitioner requires at least one name or identifier so the
// record can be found again.
func ValidatePractitioner(r resource.Resource) error {
	_, hasName := r["name"]
	_, hasID := r["identifier"]
	if !hasName && !hasID {
		return errors.New("practitioner needs a name or an identifier")
	}
	var errs []error
	if err := validateNames(r); err != nil {
		errs = append(errs, err)
	}
	if err := validateIdentifiers(r); err != nil {
		errs = append(errs, err)
	}
	if g, ok := r["gender"]; ok {
		s, _ := g.(string)
		if !administrativeGenders[s] {
			errs = append(errs, fmt.Errorf("gender %v is not one of male, female, other, unknown", g))
		}
	}
	return errors.Join(errs...)
}
