package suppression

import (
	"errors"

	"github.com/ignite/automation-engine/internal/domain"
)

// Sentinel errors for the suppression service layer.
var (
	ErrNotFound       = domain.ErrNotFound
	ErrAddressMissing = errors.New("suppression: address is required")
)
