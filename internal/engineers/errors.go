package engineers

import "errors"

// Repository errors.
var (
	ErrEngineerNotFound = errors.New("engineer not found")
	ErrEngineerExists   = errors.New("engineer with this name already exists")
	ErrEngineerInUse    = errors.New("engineer is assigned to incidents")
)

// Validation errors.
var (
	ErrInvalidLevel = errors.New("level must be L1 or L2")
	ErrInvalidName  = errors.New("name must not be empty")
)
