package uid

import "github.com/google/uuid"

// namespace scopes deterministic ids to this service.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("escrow-engine"))

// New generates a new unique identifier.
func New() string {
	return uuid.New().String()
}

// Deterministic derives a stable identifier from name, so the same input
// always maps to the same id.
func Deterministic(name string) string {
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
