package protocol

import "errors"

// errors for parsing, every one of them ends the connection
var (
	ErrInvalid        = errors.New("invalid request")
	ErrVersion        = errors.New("unsupported http version")
	ErrTooLarge       = errors.New("request body too large")
	ErrHeaderTooLarge = errors.New("request header too large")
)

// StatusOf maps a decode error to the status we answer with
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return 413
	case errors.Is(err, ErrHeaderTooLarge):
		return 431
	case errors.Is(err, ErrVersion):
		return 505
	default:
		return 400
	}
}
