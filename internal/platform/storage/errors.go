package storage

import "errors"

var (
	ErrInvalidRole        = errors.New("storage: invalid role")
	ErrInvalidOrgUnitType = errors.New("storage: invalid org unit type")
)
