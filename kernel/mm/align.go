package mm

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the next multiple of align. align must be a
// power of 2.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align. align must be a power of 2.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align. align must be a power
// of 2.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}
