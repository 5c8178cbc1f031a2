package testutil

// Error is a sentinel-free error for injecting failures into fakes. Two
// Errors match under errors.Is when their messages are equal.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "injected: " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == e.Message
}

func NewError(msg string) *Error {
	return &Error{Message: msg}
}
