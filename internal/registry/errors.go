package registry

import "fmt"

// NotFoundError is returned by Resolve when a name or alias has no router.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("registry: model %q not found", e.Name) }
func (e *NotFoundError) HTTPStatus() int { return 404 }

// InconsistencyError is returned by CRUD when an invariant would be violated.
type InconsistencyError struct {
	Reason string
}

func (e *InconsistencyError) Error() string { return "registry: " + e.Reason }
func (e *InconsistencyError) HTTPStatus() int { return 403 }

// ConflictError is returned when a name/alias uniqueness check fails.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "registry: " + e.Reason }
func (e *ConflictError) HTTPStatus() int { return 409 }
