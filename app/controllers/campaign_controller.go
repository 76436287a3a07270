package controllers

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/push"
)

// CampaignRequest creates a pending push campaign.
type CampaignRequest struct {
	Title          string            `json:"title" validate:"required,max=200"`
	Body           string            `json:"body" validate:"required,max=4000"`
	ImageURL       string            `json:"image_url" validate:"omitempty,url,max=512"`
	Data           map[string]string `json:"data" validate:"max=50"`
	TargetPlatform string            `json:"target_platform" validate:"omitempty,oneof=ios android web"`
}

// HandleCreateCampaign inserts a pending campaign; dispatch is a separate call.
func HandleCreateCampaign(c *fiber.Ctx) error {
	var req CampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", validationMessage(err))
	}

	campaign := &models.PushCampaign{
		Title:          strings.TrimSpace(req.Title),
		Body:           strings.TrimSpace(req.Body),
		ImageURL:       strings.TrimSpace(req.ImageURL),
		TargetPlatform: req.TargetPlatform,
	}
	if len(req.Data) > 0 {
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "data must be a string map")
		}
		campaign.DataJSON = string(raw)
	}

	if err := services.Campaigns.Create(c.UserContext(), campaign); err != nil {
		log.Errorf("[Campaigns] Create failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to create campaign")
	}
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

// HandleListCampaigns pages campaigns newest first.
func HandleListCampaigns(c *fiber.Ctx) error {
	status := c.Query("status")
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := c.QueryInt("limit", 20)

	campaigns, err := services.Campaigns.List(c.UserContext(), status, offset, limit)
	if err != nil {
		log.Errorf("[Campaigns] List failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to list campaigns")
	}
	return c.JSON(fiber.Map{"campaigns": campaigns, "offset": offset})
}

// HandleGetCampaign returns progress counters for one campaign.
func HandleGetCampaign(c *fiber.Ctx) error {
	id, ok := campaignID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid campaign id")
	}
	campaign, err := services.Campaigns.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "campaign not found")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load campaign")
	}
	return c.JSON(campaign)
}

// HandleDispatchCampaign runs one dispatcher invocation in the request.
// Remaining batches continue through the job queue.
func HandleDispatchCampaign(c *fiber.Ctx) error {
	id, ok := campaignID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid campaign id")
	}
	offset := int64(c.QueryInt("offset", 0))
	if offset < 0 {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "offset must not be negative")
	}

	res, err := services.Dispatcher.Dispatch(c.UserContext(), id, offset)
	switch {
	case errors.Is(err, push.ErrCampaignNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "campaign not found")
	case errors.Is(err, push.ErrCampaignBusy):
		return jsonError(c, fiber.StatusConflict, "busy", "campaign is being dispatched")
	case errors.Is(err, push.ErrInvalidCampaign):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_campaign", "message": err.Error(), "result": res})
	case errors.Is(err, push.ErrSenderUnavailable), errors.Is(err, push.ErrNotConfigured):
		log.Errorf("[Campaigns] Dispatch of %d aborted: %v", id, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "sender_unavailable", err.Error())
	case err != nil:
		log.Errorf("[Campaigns] Dispatch of %d failed: %v", id, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "dispatch failed")
	}
	if services.Counters != nil {
		if err := services.Counters.AddDeliveries(c.UserContext(), res.Sent, res.Failed); err != nil {
			log.Warnf("[Campaigns] Recording delivery totals failed: %v", err)
		}
	}
	return c.JSON(res)
}

// HandleCancelCampaign flips a running or pending campaign to cancelled.
func HandleCancelCampaign(c *fiber.Ctx) error {
	id, ok := campaignID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid campaign id")
	}
	cancelled, err := services.Dispatcher.Cancel(c.UserContext(), id)
	switch {
	case errors.Is(err, push.ErrCampaignNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "campaign not found")
	case err != nil:
		log.Errorf("[Campaigns] Cancel of %d failed: %v", id, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "cancel failed")
	case !cancelled:
		return jsonError(c, fiber.StatusConflict, "already_finished", "campaign already finished")
	}
	return c.JSON(fiber.Map{"id": id, "status": models.CampaignStatusCancelled})
}

func campaignID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
