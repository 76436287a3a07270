package push

import (
	"errors"
	"fmt"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignBusy      = errors.New("campaign is being dispatched elsewhere")
	ErrInvalidCampaign   = errors.New("campaign cannot be sent")
	ErrCursorMoved       = errors.New("campaign cursor moved during batch")
	ErrSenderUnavailable = errors.New("push sender unavailable")
	ErrNotConfigured     = errors.New("push sender not configured")
)

// SendError is a per-recipient delivery failure reported by the messaging endpoint.
type SendError struct {
	StatusCode int
	Status     string
	ErrorCode  string
	Message    string
	// Permanent marks tokens that will never accept a message again.
	Permanent bool
}

func (e *SendError) Error() string {
	code := e.ErrorCode
	if code == "" {
		code = e.Status
	}
	if code == "" {
		return fmt.Sprintf("fcm http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("fcm http %d %s: %s", e.StatusCode, code, e.Message)
}

// IsPermanent reports whether err marks the device token as dead.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
