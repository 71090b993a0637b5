package wallet

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/auth"
	"github.com/techcoin/techcoin/internal/middleware"
)

const testSecret = "wallet-test-secret"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	svc, _ := newTestService()
	h := NewHandler(svc)

	app := fiber.New()
	group := app.Group("/wallet", middleware.JWTAuth(auth.NewVerifier(testSecret)))
	group.Post("/earn", h.Earn)
	group.Post("/spend", h.Spend)
	group.Get("/balance", h.Balance)
	group.Get("/transactions", h.Transactions)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, user, key, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	token, err := auth.Issue(testSecret, user, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	if key != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, key)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestHandlerEarnSpendFlow(t *testing.T) {
	app := newTestApp(t)

	status, body := do(t, app, fiber.MethodPost, "/wallet/earn", "alice", "earn-1", `{"amount":100,"description":"quiz","xpReward":20}`)
	if status != fiber.StatusCreated {
		t.Fatalf("earn: expected 201 got %d", status)
	}
	if body["category"] != "task_reward" || body["balance_after"] != float64(100) {
		t.Fatalf("unexpected earn body %v", body)
	}

	status, _ = do(t, app, fiber.MethodPost, "/wallet/earn", "alice", "earn-1", `{"amount":100,"description":"quiz"}`)
	if status != fiber.StatusOK {
		t.Fatalf("replayed earn: expected 200 got %d", status)
	}

	status, _ = do(t, app, fiber.MethodPost, "/wallet/spend", "alice", "", `{"amount":150,"description":"too much"}`)
	if status != fiber.StatusPaymentRequired {
		t.Fatalf("overspend: expected 402 got %d", status)
	}

	status, body = do(t, app, fiber.MethodPost, "/wallet/spend", "alice", "", `{"amount":40,"description":"avatar","referenceId":"shop-1"}`)
	if status != fiber.StatusCreated || body["amount"] != float64(-40) {
		t.Fatalf("spend: unexpected %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodGet, "/wallet/balance", "alice", "", "")
	if status != fiber.StatusOK || body["balance"] != float64(60) || body["owner_id"] != "alice" {
		t.Fatalf("balance: unexpected %d %v", status, body)
	}
}

func TestHandlerKeyReuseForDifferentPostingConflicts(t *testing.T) {
	app := newTestApp(t)

	status, _ := do(t, app, fiber.MethodPost, "/wallet/earn", "alice", "", `{"amount":100,"description":"quiz"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("earn: expected 201 got %d", status)
	}
	status, _ = do(t, app, fiber.MethodPost, "/wallet/spend", "alice", "order-7", `{"amount":10,"description":"sticker","referenceId":"shop-1"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("spend: expected 201 got %d", status)
	}
	status, _ = do(t, app, fiber.MethodPost, "/wallet/spend", "alice", "order-7", `{"amount":10,"description":"sticker","referenceId":"shop-2"}`)
	if status != fiber.StatusConflict {
		t.Fatalf("reused key: expected 409 got %d", status)
	}

	status, body := do(t, app, fiber.MethodGet, "/wallet/balance", "alice", "", "")
	if status != fiber.StatusOK || body["balance"] != float64(90) {
		t.Fatalf("balance: unexpected %d %v", status, body)
	}
}

func TestHandlerValidationErrors(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"zero amount", "/wallet/earn", `{"amount":0}`},
		{"negative amount", "/wallet/spend", `{"amount":-5}`},
		{"reserved category", "/wallet/earn", `{"amount":5,"category":"admin_adjustment"}`},
		{"malformed body", "/wallet/earn", `{"amount":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := do(t, app, fiber.MethodPost, tc.path, "bob", "", tc.body)
			if status != fiber.StatusBadRequest {
				t.Fatalf("expected 400 got %d", status)
			}
		})
	}
}

func TestHandlerTransactions(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 3; i++ {
		if status, _ := do(t, app, fiber.MethodPost, "/wallet/earn", "carol", "", `{"amount":10,"referenceId":"lesson-1"}`); status != fiber.StatusCreated {
			t.Fatalf("earn: expected 201 got %d", status)
		}
	}
	if status, _ := do(t, app, fiber.MethodPost, "/wallet/earn", "dave", "", `{"amount":10}`); status != fiber.StatusCreated {
		t.Fatalf("earn: expected 201 got %d", status)
	}

	status, body := do(t, app, fiber.MethodGet, "/wallet/transactions?limit=2&referenceId=lesson-1", "carol", "", "")
	if status != fiber.StatusOK {
		t.Fatalf("transactions: expected 200 got %d", status)
	}
	items, _ := body["items"].([]any)
	cursor, _ := body["next_cursor"].(string)
	if len(items) != 2 || cursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %v", body)
	}

	status, body = do(t, app, fiber.MethodGet, "/wallet/transactions?limit=2&before="+cursor, "carol", "", "")
	if status != fiber.StatusOK {
		t.Fatalf("second page: expected 200 got %d", status)
	}
	items, _ = body["items"].([]any)
	if len(items) != 1 || body["next_cursor"] != nil {
		t.Fatalf("expected last page with 1 item, got %v", body)
	}

	if status, _ := do(t, app, fiber.MethodGet, "/wallet/transactions?category=bogus", "carol", "", ""); status != fiber.StatusBadRequest {
		t.Fatalf("bad category: expected 400 got %d", status)
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest(fiber.MethodGet, "/wallet/balance", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}
}
