package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/storekeeper/app/models"
)

// Message is the content delivered to every recipient of a campaign.
type Message struct {
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
}

// Recipient is one active device token.
type Recipient struct {
	TokenID  uint
	UserID   uint
	Token    string
	Platform string
}

// Sender delivers a message to one device token.
// Prepare is called before every batch; its failure aborts the run.
type Sender interface {
	Prepare(ctx context.Context) error
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Scheduler queues the next run of a campaign that still has recipients left.
type Scheduler interface {
	ScheduleContinuation(ctx context.Context, campaignID uint, offset int64) error
}

// Result summarizes one Dispatch invocation.
type Result struct {
	CampaignID  uint   `json:"campaign_id"`
	Status      string `json:"status"`
	Total       int64  `json:"total_recipients"`
	Offset      int64  `json:"offset"`
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
	Deactivated int    `json:"deactivated"`
	Batches     int    `json:"batches"`
	Continued   bool   `json:"continued"`
}

// MessageFromCampaign builds the push content. Data values must be strings
// on the wire, so JSON numbers and objects are re-encoded as text.
func MessageFromCampaign(c *models.PushCampaign) (Message, error) {
	msg := Message{
		Title:    strings.TrimSpace(c.Title),
		Body:     strings.TrimSpace(c.Body),
		ImageURL: strings.TrimSpace(c.ImageURL),
		Data:     map[string]string{"campaign_id": strconv.FormatUint(uint64(c.ID), 10)},
	}
	if msg.Title == "" && msg.Body == "" {
		return msg, fmt.Errorf("%w: title and body are empty", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.DataJSON) == "" {
		return msg, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(c.DataJSON), &raw); err != nil {
		return msg, fmt.Errorf("%w: data_json: %v", ErrInvalidCampaign, err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			msg.Data[k] = val
		case nil:
		default:
			b, _ := json.Marshal(val)
			msg.Data[k] = string(b)
		}
	}
	return msg, nil
}
