package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being
// tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ZeroExtentError is the error returned when an arena or run dimension that must be positive
// is zero
var ZeroExtentError error = errors.New("extent must be greater than zero")
