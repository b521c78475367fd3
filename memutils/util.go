package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// CheckPow2 returns a wrapped PowerOfTwoError if number is not a power of two.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// DivideRoundingUp divides numerator by denominator, rounding toward positive
// infinity. Used for unit-to-word and unit-to-byte sizing.
func DivideRoundingUp[T Number](numerator, denominator T) T {
	return (numerator + denominator - 1) / denominator
}
