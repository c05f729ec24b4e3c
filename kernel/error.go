package kernel

// Error describes a boot-time error. All errors raised by the boot core must
// be defined as global variables that are pointers to the Error structure.
// Nothing in the boot path may allocate, so errors.New and fmt.Errorf are not
// available; callers compare errors by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target refers to the same error value. It allows host
// tooling that wraps boot errors with %w to match them via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == e
}
