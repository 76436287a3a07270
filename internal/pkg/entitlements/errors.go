package entitlements

import "errors"

var (
	ErrUnknownProduct = errors.New("unknown product id")
	ErrUnknownEvent   = errors.New("unsupported entitlement event")
	ErrMissingRef     = errors.New("event has no transaction reference")
)
