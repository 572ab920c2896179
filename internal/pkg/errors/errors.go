package errors

import "errors"

var (
	ErrInvalid          = errors.New("invalid")
	ErrNoText           = errors.New("no text provided")
	ErrTextTooLong      = errors.New("text too long")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrContextExceeded  = errors.New("sequence exceeds model context")
)

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrNoText) || errors.Is(err, ErrTextTooLong) ||
		errors.Is(err, ErrContextExceeded)
}

func IsModelUnavailable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}
