package mqtt

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/dps/core/registry"
)

// EnrollmentStore persists enrollments across restarts of the emulator
type EnrollmentStore interface {
	Load() ([]Enrollment, error)
	Save(e Enrollment) error
	Delete(registrationID string) error
}

const enrollmentNamespace = "enrollment"

// RegistryStore keeps enrollments in a database registry
type RegistryStore struct {
	enrollments registry.Namespace
}

var _ EnrollmentStore = (*RegistryStore)(nil)

// NewRegistryStore returns a store which keeps enrollments in r
func NewRegistryStore(r *registry.Registry) *RegistryStore {
	return &RegistryStore{enrollments: r.Namespace(enrollmentNamespace)}
}

// Load implements EnrollmentStore
func (s *RegistryStore) Load() ([]Enrollment, error) {
	entries, err := s.enrollments.Entries()
	if err != nil {
		return nil, err
	}
	enrollments := make([]Enrollment, 0, len(entries))
	for _, entry := range entries {
		var e Enrollment
		if err := json.Unmarshal(entry.Value, &e); err != nil {
			return nil, fmt.Errorf("invalid enrollment %s: %w", entry.Key, err)
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, nil
}

// Save implements EnrollmentStore
func (s *RegistryStore) Save(e Enrollment) error {
	return s.enrollments.Put(e.RegistrationID, e)
}

// Delete implements EnrollmentStore
func (s *RegistryStore) Delete(registrationID string) error {
	return s.enrollments.Delete(registrationID)
}
