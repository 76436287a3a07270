// Package usercontext carries the authenticated API key owner through a request.
package usercontext

import "github.com/gofiber/fiber/v2"

// Caller is who presented the API key.
type Caller struct {
	UserID    uint   `json:"user_id"`
	Name      string `json:"name"`
	IsAdmin   bool   `json:"is_admin"`
	Plan      string `json:"plan"`
	KeyPrefix string `json:"key_prefix"`
}

type callerKey struct{}

// Set stores the caller on the request.
func Set(c *fiber.Ctx, caller Caller) {
	c.Locals(callerKey{}, caller)
}

// From returns the caller and whether the request was authenticated.
func From(c *fiber.Ctx) (Caller, bool) {
	caller, ok := c.Locals(callerKey{}).(Caller)
	return caller, ok && caller.UserID != 0
}

// UserID is 0 for anonymous requests.
func UserID(c *fiber.Ctx) uint {
	caller, _ := From(c)
	return caller.UserID
}

func IsAdmin(c *fiber.Ctx) bool {
	caller, ok := From(c)
	return ok && caller.IsAdmin
}
