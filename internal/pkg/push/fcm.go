package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
	"github.com/ManuelReschke/storekeeper/internal/pkg/googleauth"
)

const DefaultFCMEndpoint = "https://fcm.googleapis.com"

// TokenProvider returns OAuth2 access tokens for a scope.
type TokenProvider interface {
	AccessToken(ctx context.Context, scope string) (*oauth2.Token, error)
}

// FCMSender delivers messages through the Firebase Cloud Messaging HTTP v1 API.
type FCMSender struct {
	ProjectID  string
	Endpoint   string
	Tokens     TokenProvider
	HTTPClient *http.Client

	mu     sync.RWMutex
	client *http.Client
}

func NewFCMSender(projectID string, tokens TokenProvider) *FCMSender {
	return &FCMSender{
		ProjectID:  projectID,
		Endpoint:   DefaultFCMEndpoint,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewFCMSenderFromEnv uses FCM_PROJECT_ID, falling back to the service account's project.
func NewFCMSenderFromEnv(auth *googleauth.Authenticator) *FCMSender {
	projectID := env.GetEnv("FCM_PROJECT_ID", "")
	if projectID == "" && auth != nil {
		projectID = auth.ProjectID()
	}
	s := NewFCMSender(projectID, nil)
	if auth != nil {
		s.Tokens = auth
	}
	s.Endpoint = env.GetEnv("FCM_ENDPOINT", DefaultFCMEndpoint)
	s.HTTPClient.Timeout = env.GetEnvDuration("FCM_TIMEOUT", 10*time.Second)
	return s
}

// Prepare fetches a messaging token and builds the authorized client for the next batch.
func (s *FCMSender) Prepare(ctx context.Context) error {
	if s.Tokens == nil || strings.TrimSpace(s.ProjectID) == "" {
		return ErrNotConfigured
	}
	tok, err := s.Tokens.AccessToken(ctx, googleauth.ScopeFirebaseMessaging)
	if err != nil {
		return fmt.Errorf("messaging token: %w", err)
	}

	base := s.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	client := &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   base.Transport,
		},
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      map[string]any    `json:"android,omitempty"`
	APNS         map[string]any    `json:"apns,omitempty"`
	Webpush      map[string]any    `json:"webpush,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func buildFCMRequest(to Recipient, msg Message) fcmRequest {
	m := fcmMessage{
		Token:        to.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body, Image: msg.ImageURL},
		Data:         msg.Data,
		Android: map[string]any{
			"priority": "high",
		},
		APNS: map[string]any{
			"headers": map[string]string{"apns-priority": "10"},
			"payload": map[string]any{"aps": map[string]any{"sound": "default", "mutable-content": 1}},
		},
	}
	if msg.ImageURL != "" {
		m.Android["notification"] = map[string]string{"image": msg.ImageURL}
		m.APNS["fcm_options"] = map[string]string{"image": msg.ImageURL}
		m.Webpush = map[string]any{"headers": map[string]string{"image": msg.ImageURL}}
	}
	return fcmRequest{Message: m}
}

// Send posts one message. Failures are returned as *SendError.
func (s *FCMSender) Send(ctx context.Context, to Recipient, msg Message) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return ErrNotConfigured
	}

	body, err := json.Marshal(buildFCMRequest(to, msg))
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(s.Endpoint, "/") + "/v1/projects/" + url.PathEscape(s.ProjectID) + "/messages:send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &SendError{Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := parseFCMError(resp.StatusCode, raw)
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := s.Tokens.(interface{ Invalidate(scope string) }); ok {
			inv.Invalidate(googleauth.ScopeFirebaseMessaging)
		}
		log.Warnf("[Push] FCM rejected the access token, it will be refreshed for the next batch")
	}
	return se
}

func parseFCMError(status int, raw []byte) *SendError {
	se := &SendError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	var body fcmErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Status != "" {
		se.Status = body.Error.Status
		se.Message = body.Error.Message
		for _, d := range body.Error.Details {
			if d.ErrorCode != "" {
				se.ErrorCode = d.ErrorCode
				break
			}
		}
	}
	se.Permanent = isDeadToken(se)
	return se
}

func isDeadToken(se *SendError) bool {
	switch se.ErrorCode {
	case "UNREGISTERED", "SENDER_ID_MISMATCH":
		return true
	}
	switch se.Status {
	case "NOT_FOUND", "UNREGISTERED":
		return true
	case "INVALID_ARGUMENT":
		return strings.Contains(strings.ToLower(se.Message), "registration token")
	}
	return false
}
