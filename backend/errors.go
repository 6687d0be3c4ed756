// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
)

// Failure kinds reported by setup and contract violations.
// Callers distinguish them with errors.Is.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrOutOfBounds          = errors.New("out of bounds")
)

// Errorf wraps kind with the operation tag and a formatted detail.
func Errorf(op string, kind error, format string, a ...any) error {
	return fmt.Errorf("%s: %w: %s", op, kind, fmt.Sprintf(format, a...))
}
