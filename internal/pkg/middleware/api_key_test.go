package middleware

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/usercontext"
)

type fakeUsers struct {
	byHash  map[string]*models.User
	err     error
	touched []uint
}

func (f *fakeUsers) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeUsers) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, *models.UserSettings, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	u, ok := f.byHash[hash]
	if !ok {
		return nil, nil, gorm.ErrRecordNotFound
	}
	return u, &models.UserSettings{ID: u.ID + 100, UserID: u.ID, APIKeyPrefix: "sk_prefix"}, nil
}

func (f *fakeUsers) TouchAPIKey(ctx context.Context, settingsID uint, at time.Time) error {
	f.touched = append(f.touched, settingsID)
	return nil
}

func (f *fakeUsers) IssueAPIKey(ctx context.Context, userID uint) (string, *models.UserSettings, error) {
	return "", nil, errors.New("not supported")
}

func (f *fakeUsers) RevokeAPIKey(ctx context.Context, userID uint) (bool, error) {
	return false, nil
}

func newAuthApp(users *fakeUsers) *fiber.App {
	app := fiber.New()
	api := app.Group("/api", APIKeyAuthMiddleware(users))
	api.Get("/me", func(c *fiber.Ctx) error {
		caller, _ := usercontext.From(c)
		return c.JSON(caller)
	})
	api.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func testUsers() *fakeUsers {
	return &fakeUsers{byHash: map[string]*models.User{
		models.HashAPIKey("sk_user"):     {ID: 1, Name: "ada", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE, Plan: "premium"},
		models.HashAPIKey("sk_admin"):    {ID: 2, Name: "ops", Role: models.ROLE_ADMIN, Status: models.STATUS_ACTIVE},
		models.HashAPIKey("sk_disabled"): {ID: 3, Name: "old", Role: models.ROLE_USER, Status: models.STATUS_DISABLED},
	}}
}

func get(t *testing.T, app *fiber.App, path string, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	users := testUsers()
	app := newAuthApp(users)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		contain string
	}{
		{"missing", nil, 401, "Missing API key"},
		{"unknown", map[string]string{"Authorization": "Bearer sk_nope"}, 401, "Invalid API key"},
		{"disabled user", map[string]string{"Authorization": "Bearer sk_disabled"}, 403, "User inactive"},
		{"bearer", map[string]string{"Authorization": "Bearer sk_user"}, 200, `"user_id":1`},
		{"header", map[string]string{"X-API-Key": "sk_user"}, 200, `"plan":"premium"`},
		{"lowercase bearer", map[string]string{"Authorization": "bearer sk_user"}, 200, `"key_prefix":"sk_prefix"`},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}, 401, "Missing API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, app, "/api/me", tt.headers)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, body, tt.contain)
		})
	}
	assert.Equal(t, []uint{101, 101, 101}, users.touched)
}

func TestAPIKeyAuthMiddleware_LookupError(t *testing.T) {
	app := newAuthApp(&fakeUsers{err: errors.New("connection refused")})
	status, body := get(t, app, "/api/me", map[string]string{"Authorization": "Bearer sk_user"})
	assert.Equal(t, 500, status)
	assert.Contains(t, body, "internal_server_error")
}

func TestRequireAdmin(t *testing.T) {
	app := newAuthApp(testUsers())

	bare := fiber.New()
	bare.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error { return c.SendString("ok") })
	status, _ := get(t, bare, "/admin", nil)
	assert.Equal(t, 401, status)

	status, _ = get(t, app, "/api/admin", map[string]string{"Authorization": "Bearer sk_user"})
	assert.Equal(t, 403, status)

	status, body := get(t, app, "/api/admin", map[string]string{"Authorization": "Bearer sk_admin"})
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body)
}

func TestRequireWebhookToken(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", RequireWebhookToken("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(204) })
	closed := fiber.New()
	closed.Post("/hook", RequireWebhookToken(""), func(c *fiber.Ctx) error { return c.SendStatus(204) })

	do := func(a *fiber.App, path string, header string) int {
		req := httptest.NewRequest("POST", path, nil)
		if header != "" {
			req.Header.Set("X-Webhook-Token", header)
		}
		resp, err := a.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, 204, do(app, "/hook?token=s3cret", ""))
	assert.Equal(t, 204, do(app, "/hook", "s3cret"))
	assert.Equal(t, 401, do(app, "/hook?token=wrong", ""))
	assert.Equal(t, 401, do(app, "/hook", ""))
	assert.Equal(t, 401, do(closed, "/hook?token=", ""))
}
