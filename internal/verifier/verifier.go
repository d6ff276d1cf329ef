// Package verifier checks the cryptographic verifier attached to a historical command.
package verifier

import (
	"context"
	"errors"

	"github.com/withObsrvr/privacy-replay/internal/command"
)

// ErrUnavailable means the verifier could not be checked right now (throttling,
// server errors, transport failures). The command must not be dropped for it.
var ErrUnavailable = errors.New("verifier service unavailable")

// Service validates a command's verifier for a destination view.
// A false result with a nil error means the verifier was rejected. Any error
// means no verdict was reached.
type Service interface {
	Validate(ctx context.Context, v command.View) (bool, error)
}

// AllowAll accepts every verifier.
type AllowAll struct{}

// Validate implements Service.
func (AllowAll) Validate(ctx context.Context, v command.View) (bool, error) {
	return true, nil
}

// Func adapts a function to Service.
type Func func(ctx context.Context, v command.View) (bool, error)

// Validate implements Service.
func (f Func) Validate(ctx context.Context, v command.View) (bool, error) {
	return f(ctx, v)
}
