package tracking

import "errors"

var (
	ErrUnknownType = errors.New("tracking: unknown engagement type")
	ErrUnknownKey  = errors.New("tracking: unknown tracking key")
)
