package challenge

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techcoin/techcoin/internal/auth"
	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/logging"
	"github.com/techcoin/techcoin/internal/middleware"
)

const handlerSecret = "challenge-test-secret"

func newHandlerApp(t *testing.T) (*fiber.App, *ledger.Engine) {
	t.Helper()
	l := ledger.NewEngine(ledger.NewInMemory(), logging.Discard())
	h := NewHandler(NewEscrow(NewMemoryRepository(), l, nil, logging.Discard(), Options{}), []string{"host"})

	app := fiber.New()
	g := app.Group("/challenges", middleware.JWTAuth(auth.NewVerifier(handlerSecret)))
	g.Post("/", h.Create)
	g.Get("/:id", h.Get)
	g.Post("/:id/join", h.Join)
	g.Post("/:id/submit", h.Submit)
	g.Post("/:id/votes", h.Vote)
	g.Post("/:id/scores", h.Score)
	g.Post("/:id/close", h.Close)
	g.Post("/:id/cancel", h.Cancel)
	g.Post("/:id/settle", h.Settle)
	return app, l
}

func call(t *testing.T, app *fiber.App, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	token, err := auth.Issue(handlerSecret, user, time.Hour)
	require.NoError(t, err)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestHandlerChallengeLifecycle(t *testing.T) {
	app, l := newHandlerApp(t)
	ctx := context.Background()
	require.NoError(t, ledger.SeedBalance(ctx, l, "alice", 100))
	require.NoError(t, ledger.SeedBalance(ctx, l, "bob", 100))

	status, body := call(t, app, fiber.MethodPost, "/challenges", "host", `{"title":"Refactor kata","kind":"vote","entryFee":50,"reward":200}`)
	require.Equal(t, fiber.StatusCreated, status)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "OPEN", body["status"])

	for _, user := range []string{"alice", "bob"} {
		status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/join", user, "")
		require.Equal(t, fiber.StatusCreated, status, user)
		status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/submit", user, `{"content":"https://example.test/`+user+`"}`)
		require.Equal(t, fiber.StatusOK, status, user)
	}

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/join", "alice", "")
	assert.Equal(t, fiber.StatusConflict, status, "second join")

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/settle", "host", "")
	assert.Equal(t, fiber.StatusConflict, status, "settle while open")

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/close", "host", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "CLOSED", body["status"])

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/votes", "host", `{"participantId":"bob"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["votes"])

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/votes", "host", `{"participantId":"alice"}`)
	assert.Equal(t, fiber.StatusConflict, status, "second vote by the same user")

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/votes", "host", `{"participantId":"mallory"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/settle", "host", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "SETTLED", body["status"])
	assert.Equal(t, "bob", body["winner_id"])
	assert.Equal(t, false, body["replayed"])

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/settle", "host", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["replayed"])

	bob, err := l.BalanceOf(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 250, bob)
	alice, err := l.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 50, alice)

	status, body = call(t, app, fiber.MethodGet, "/challenges/"+id, "host", "")
	require.Equal(t, fiber.StatusOK, status)
	parts, _ := body["participants"].([]any)
	assert.Len(t, parts, 2)
}

func TestHandlerCancelRefunds(t *testing.T) {
	app, l := newHandlerApp(t)
	ctx := context.Background()
	require.NoError(t, ledger.SeedBalance(ctx, l, "alice", 30))

	status, body := call(t, app, fiber.MethodPost, "/challenges", "host", `{"entryFee":30,"reward":0}`)
	require.Equal(t, fiber.StatusCreated, status)
	id := body["id"].(string)

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/join", "alice", "")
	require.Equal(t, fiber.StatusCreated, status)
	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/join", "carol", "")
	assert.Equal(t, fiber.StatusPaymentRequired, status)

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/cancel", "host", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "CANCELLED", body["status"])
	assert.Equal(t, []any{"alice"}, body["refunded"])

	balance, err := l.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 30, balance)
}

func TestHandlerErrors(t *testing.T) {
	app, _ := newHandlerApp(t)

	status, _ := call(t, app, fiber.MethodGet, "/challenges/missing", "host", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = call(t, app, fiber.MethodPost, "/challenges", "host", `{"kind":"lottery"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, fiber.MethodPost, "/challenges", "host", `{"entryFee":-1}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandlerOperatorOnlyActions(t *testing.T) {
	app, l := newHandlerApp(t)
	ctx := context.Background()
	require.NoError(t, ledger.SeedBalance(ctx, l, "alice", 10))
	require.NoError(t, ledger.SeedBalance(ctx, l, "bob", 10))

	status, body := call(t, app, fiber.MethodPost, "/challenges", "host", `{"kind":"criteria","entryFee":10,"reward":5}`)
	require.Equal(t, fiber.StatusCreated, status)
	id := body["id"].(string)

	for _, user := range []string{"alice", "bob"} {
		status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/join", user, "")
		require.Equal(t, fiber.StatusCreated, status, user)
		status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/submit", user, "")
		require.Equal(t, fiber.StatusOK, status, user)
	}
	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/close", "host", "")
	require.Equal(t, fiber.StatusOK, status)

	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/scores", "alice", `{"participantId":"alice","score":99}`)
	assert.Equal(t, fiber.StatusForbidden, status)
	status, _ = call(t, app, fiber.MethodPost, "/challenges/"+id+"/settle", "alice", `{"winnerId":"alice"}`)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/scores", "host", `{"participantId":"bob","score":7}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 7, body["score"])

	status, body = call(t, app, fiber.MethodPost, "/challenges/"+id+"/settle", "alice", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "bob", body["winner_id"])

	bob, err := l.BalanceOf(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 15, bob)
}
