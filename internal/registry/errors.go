package registry

import "errors"

var (
	ErrDuplicateID      = errors.New("registry: duplicate id")
	ErrUnresolvedHolder = errors.New("registry: holder is not bound")
	ErrInvalidEntry     = errors.New("registry: entry failed validation")
	ErrReloadInProgress = errors.New("registry: reload already in progress")
	ErrNotReloading     = errors.New("registry: no reload in progress")
	ErrForeignStage     = errors.New("registry: stage belongs to another registry")
)
