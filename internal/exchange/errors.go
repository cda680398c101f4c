package exchange

import (
	"errors"
	"fmt"
)

// Binance error codes the engine branches on.
const (
	CodeUnknownOrder       = -2011 // order not found (already filled or cancelled)
	CodeTriggerImmediately = -2021 // stop order would trigger immediately
	CodeMarginAlreadySet   = -4046 // no need to change margin type
)

// APIError is a Binance REST error response ({"code": ..., "msg": ...}).
type APIError struct {
	Code   int64
	Msg    string
	Status int // HTTP status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code %d: %s", e.Code, e.Msg)
}

// IsCode reports whether err wraps an APIError with the given Binance code.
func IsCode(err error, code int64) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}
