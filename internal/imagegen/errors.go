package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kiranshivaraju/partypix/internal/images"
)

var (
	ErrValidation        = errors.New("invalid generation request")
	ErrNotFound          = errors.New("prompt or session not found")
	ErrCredentialMissing = errors.New("no api key for provider")
	ErrProvider          = errors.New("image provider failed")
	ErrProviderTimeout   = errors.New("image provider timed out")
	ErrStorage           = images.ErrStorage

	// ErrAlreadyDispatched is returned when the prompt was claimed by another
	// dispatch. The prompt's status is left untouched.
	ErrAlreadyDispatched = errors.New("prompt already dispatched")
	ErrUnknownProvider   = errors.New("unknown image provider")
)

// classifyError maps a provider or download failure onto ErrProvider, marking
// deadline and network timeouts with ErrProviderTimeout as well.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrProvider, ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %v", ErrProvider, ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProvider, err)
}
