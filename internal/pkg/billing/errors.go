package billing

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured       = errors.New("billing provider not configured")
	ErrUserNotResolved     = errors.New("no user matches the purchase")
	ErrMalformedEnvelope   = errors.New("malformed notification envelope")
	ErrDuplicateReference  = errors.New("ledger reference already recorded")
	ErrConcurrentUpdate    = errors.New("entitlement changed concurrently")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// VerificationError is the typed failure of a storefront verification.
// Permanent errors will not succeed on retry; the rest are worth retrying.
type VerificationError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

func permanentf(format string, args ...any) *VerificationError {
	return &VerificationError{Reason: fmt.Sprintf(format, args...), Permanent: true}
}

func transient(reason string, err error) *VerificationError {
	return &VerificationError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a verification failure that retrying cannot fix.
func IsPermanent(err error) bool {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Permanent
	}
	return false
}
