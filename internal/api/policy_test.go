package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/openfleet/controlplane/internal/policy"
)

// fakePolicyRepo implements policy.Repository for handler tests.
type fakePolicyRepo struct {
	policies []policy.Policy
}

func (r *fakePolicyRepo) List(context.Context) ([]policy.Policy, error) {
	return r.policies, nil
}

func (r *fakePolicyRepo) GetByID(_ context.Context, id uuid.UUID) (*policy.Policy, error) {
	for i := range r.policies {
		if r.policies[i].ID == id {
			return &r.policies[i], nil
		}
	}
	return nil, policy.ErrNotFound
}

func (r *fakePolicyRepo) Create(_ context.Context, params policy.CreateParams) (*policy.Policy, error) {
	settings := params.Settings
	if settings == nil {
		settings = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	p := policy.Policy{
		ID:          uuid.New(),
		Name:        params.Name,
		Permissions: params.Permissions,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.policies = append(r.policies, p)
	return &p, nil
}

func (r *fakePolicyRepo) Update(_ context.Context, id uuid.UUID, params policy.UpdateParams) (*policy.Policy, error) {
	for i := range r.policies {
		if r.policies[i].ID == id {
			if params.Name != nil {
				r.policies[i].Name = *params.Name
			}
			if params.Permissions != nil {
				r.policies[i].Permissions = *params.Permissions
			}
			if params.Settings != nil {
				r.policies[i].Settings = params.Settings
			}
			return &r.policies[i], nil
		}
	}
	return nil, policy.ErrNotFound
}

func (r *fakePolicyRepo) Delete(_ context.Context, id uuid.UUID) error {
	for i := range r.policies {
		if r.policies[i].ID == id {
			r.policies = append(r.policies[:i], r.policies[i+1:]...)
			return nil
		}
	}
	return policy.ErrNotFound
}

func testPolicyApp(repo policy.Repository) *fiber.App {
	handler := NewPolicyHandler(repo, nil)
	app := fiber.New()
	app.Get("/policies", handler.List)
	app.Post("/policies", handler.Create)
	app.Get("/policies/:id", handler.Get)
	app.Patch("/policies/:id", handler.Update)
	app.Delete("/policies/:id", handler.Delete)
	return app
}

func TestPolicyCreate_EmptyName(t *testing.T) {
	t.Parallel()
	app := testPolicyApp(&fakePolicyRepo{})

	resp := doReq(t, app, jsonReq(http.MethodPost, "/policies", `{"name":""}`))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestPolicyCreate_Success(t *testing.T) {
	t.Parallel()
	app := testPolicyApp(&fakePolicyRepo{})

	resp := doReq(t, app, jsonReq(http.MethodPost, "/policies", `{"name":"kiosk lockdown","permissions":5}`))
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, fiber.StatusCreated, body)
	}
	env := parseSuccess(t, body)
	var p struct {
		Permissions int64 `json:"permissions"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Permissions != 5 {
		t.Errorf("permissions = %d, want 5", p.Permissions)
	}
}

func TestPolicyUpdate_NotFound(t *testing.T) {
	t.Parallel()
	app := testPolicyApp(&fakePolicyRepo{})

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/policies/"+uuid.New().String(), `{"name":"x"}`))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestPolicyUpdate_Success(t *testing.T) {
	t.Parallel()
	repo := &fakePolicyRepo{}
	p, err := repo.Create(context.Background(), policy.CreateParams{Name: "base"})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	app := testPolicyApp(repo)

	newPerms := int64(policy.PermLock | policy.PermWipe)
	resp := doReq(t, app, jsonReq(http.MethodPatch, "/policies/"+p.ID.String(), `{"permissions":`+strconv.FormatInt(newPerms, 10)+`}`))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
}

func TestPolicyDelete_Success(t *testing.T) {
	t.Parallel()
	repo := &fakePolicyRepo{}
	p, err := repo.Create(context.Background(), policy.CreateParams{Name: "base"})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	app := testPolicyApp(repo)

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/policies/"+p.ID.String(), ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
}
