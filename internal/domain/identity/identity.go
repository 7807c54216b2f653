// Package identity provides the Patient and Practitioner resource types.
package identity

import (
	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/storage"
)

// Register adds Patient and Practitioner to reg, both stored in backend.
func Register(reg *registry.Registry, backend storage.Backend) error {
	if err := reg.Register(NewPatientRepo(backend)); err != nil {
		return err
	}
	return reg.Register(NewPractitionerRepo(backend))
}
