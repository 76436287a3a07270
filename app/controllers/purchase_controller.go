package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/internal/pkg/billing"
	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
	"github.com/ManuelReschke/storekeeper/internal/pkg/usercontext"
)

const (
	ActionVerify  = "verify"
	ActionCheck   = "check"
	ActionRestore = "restore"

	purchaseTimeout = 30 * time.Second
)

// PurchaseRequest is the body of POST /api/v1/purchases.
type PurchaseRequest struct {
	Action         string `json:"action" validate:"required,oneof=verify check restore"`
	Platform       string `json:"platform" validate:"omitempty,oneof=ios android"`
	ReceiptData    string `json:"receiptData" validate:"max=200000"`
	PackageName    string `json:"packageName" validate:"max=255"`
	ProductID      string `json:"productId" validate:"max=255"`
	PurchaseToken  string `json:"purchaseToken" validate:"max=4096"`
	IsSubscription bool   `json:"isSubscription"`
}

// PurchaseResponse mirrors what the client app expects after every action.
type PurchaseResponse struct {
	Success     bool       `json:"success"`
	Credits     *int64     `json:"credits,omitempty"`
	Plan        string     `json:"plan,omitempty"`
	Status      string     `json:"status,omitempty"`
	ExpiresDate *time.Time `json:"expiresDate,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// HandlePurchaseAction verifies, restores or reports the caller's entitlement.
func HandlePurchaseAction(c *fiber.Ctx) error {
	caller, ok := usercontext.From(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(PurchaseResponse{Error: "unauthorized"})
	}
	if services.Purchases == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(PurchaseResponse{Error: "billing is not configured"})
	}

	var req PurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(PurchaseResponse{Error: "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(PurchaseResponse{Error: validationMessage(err)})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), purchaseTimeout)
	defer cancel()

	var (
		view *billing.EntitlementView
		err  error
	)
	switch req.Action {
	case ActionCheck:
		view, err = services.Purchases.Entitlement(ctx, caller.UserID)
	case ActionVerify, ActionRestore:
		platform, ok := billing.ParsePlatform(req.Platform)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(PurchaseResponse{Error: "platform must be ios or android"})
		}
		proof := billing.Proof{
			Platform:       platform,
			ReceiptData:    req.ReceiptData,
			PackageName:    req.PackageName,
			ProductID:      req.ProductID,
			PurchaseToken:  req.PurchaseToken,
			IsSubscription: req.IsSubscription,
		}
		if req.Action == ActionVerify {
			view, err = services.Purchases.VerifyAndGrant(ctx, caller.UserID, proof)
		} else {
			view, err = services.Purchases.Restore(ctx, caller.UserID, proof)
		}
	}
	if err != nil {
		status, msg := purchaseErrorStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[Purchases] %s for user %d failed: %v", req.Action, caller.UserID, err)
		} else {
			log.Infof("[Purchases] %s for user %d rejected: %v", req.Action, caller.UserID, err)
		}
		recordPurchase(c, req.Action, status)
		return c.Status(status).JSON(PurchaseResponse{Error: msg})
	}
	recordPurchase(c, req.Action, fiber.StatusOK)

	credits := view.Credits
	return c.JSON(PurchaseResponse{
		Success:     true,
		Credits:     &credits,
		Plan:        view.Plan,
		Status:      view.Status,
		ExpiresDate: view.ExpiresDate,
	})
}

// purchaseErrorStatus maps the error taxonomy onto HTTP: permanent data
// errors are 422, transient provider errors 502 so the client retries.
func purchaseErrorStatus(err error) (int, string) {
	var ve *billing.VerificationError
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		return fiber.StatusServiceUnavailable, "purchase verification is not configured"
	case errors.Is(err, billing.ErrUnsupportedPlatform):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, entitlements.ErrUnknownProduct):
		return fiber.StatusUnprocessableEntity, "unknown product"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.StatusNotFound, "user not found"
	case errors.Is(err, billing.ErrConcurrentUpdate):
		return fiber.StatusConflict, "entitlement changed concurrently, retry"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "storefront timed out"
	case errors.As(err, &ve) && ve.Permanent:
		return fiber.StatusUnprocessableEntity, ve.Reason
	case errors.As(err, &ve):
		return fiber.StatusBadGateway, "storefront unavailable, retry later"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}

func recordPurchase(c *fiber.Ctx, action string, status int) {
	if services.Counters == nil {
		return
	}
	if err := services.Counters.AddPurchase(c.UserContext(), action, status); err != nil {
		log.Warnf("[Purchases] Recording outcome failed: %v", err)
	}
}
