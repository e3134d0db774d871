package modules

import "github.com/pkg/errors"

// ErrShapeMismatch is returned when paired inputs disagree in shape or
// length.
var ErrShapeMismatch = errors.New("shape mismatch")
