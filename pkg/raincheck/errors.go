package raincheck

import (
	"errors"
	"fmt"

	"github.com/nimburion/raincheck/pkg/resilience"
)

var (
	// ErrStoreTimeout classifies a guarded list push or pop that exceeded the store timeout.
	// It wraps resilience.ErrTimeout.
	ErrStoreTimeout = fmt.Errorf("raincheck store timeout: %w", resilience.ErrTimeout)
	// ErrUnsupported classifies requests for behaviour that is not implemented, such as
	// sleep-until-successful dispatch.
	ErrUnsupported = errors.New("raincheck unsupported")
	// ErrValidation classifies invalid caller arguments and configuration.
	ErrValidation = errors.New("raincheck validation error")
	// ErrMalformedDescriptor classifies a stored value that is not a decodable descriptor.
	ErrMalformedDescriptor = errors.New("raincheck malformed descriptor")
)

func raincheckError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
