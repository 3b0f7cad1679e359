package controller

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"creators_metering/internal/middleware"
	"creators_metering/internal/model"
	"creators_metering/pkg/billing"
	"creators_metering/pkg/permission"
	"creators_metering/pkg/realtime"
	"creators_metering/pkg/subscription"
	"creators_metering/pkg/usage"
	"creators_metering/pkg/utils/jwt"
)

const testSecret = "test-secret"

func authed(t *testing.T, method, target, body, userID string) *http.Request {
	t.Helper()
	tok, err := jwt.GenerateToken(testSecret, time.Hour, userID, userID+"@example.com")
	require.NoError(t, err)

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type fakeBilling struct {
	sub          model.Subscription
	err          error
	reconcileErr error
	reconciled   bool
}

func (f *fakeBilling) Current(_ context.Context, userID string) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	if f.sub.UserID == "" {
		return model.FreeSubscription(userID), nil
	}
	return f.sub, nil
}

func (f *fakeBilling) Reconcile(ctx context.Context, userID string) (model.Subscription, error) {
	f.reconciled = true
	sub, err := f.Current(ctx, userID)
	if err != nil {
		return sub, err
	}
	return sub, f.reconcileErr
}

type fakeUsage struct {
	rows map[string]model.UsageCounters
	err  error
}

func (f *fakeUsage) Get(_ context.Context, userID, month string) (*model.UsageCounters, error) {
	if f.err != nil {
		return nil, f.err
	}
	if row, ok := f.rows[month]; ok {
		return &row, nil
	}
	return &model.UsageCounters{UserID: userID, Month: month}, nil
}

func (f *fakeUsage) History(_ context.Context, _ string) ([]model.UsageCounters, error) {
	var out []model.UsageCounters
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, f.err
}

func subscriptionApp(b *fakeBilling, u *fakeUsage, now time.Time) *fiber.App {
	ctrl := NewSubscriptionController(b, u, nil)
	ctrl.now = func() time.Time { return now }

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api", middleware.AuthMiddleware(testSecret))
	api.Get("/subscription", ctrl.GetMySubscription)
	api.Get("/usage", ctrl.GetMyUsage)
	api.Get("/usage/history", ctrl.GetUsageHistory)
	api.Post("/subscription/refresh", ctrl.Refresh)
	return app
}

func TestGetMySubscriptionCanceledIsFree(t *testing.T) {
	b := &fakeBilling{sub: model.Subscription{UserID: "user-a", Status: subscription.StatusCanceled, Plan: "pro"}}
	app := subscriptionApp(b, &fakeUsage{}, time.Now())

	resp, err := app.Test(authed(t, http.MethodGet, "/api/subscription", "", "user-a"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var view model.SubscriptionView
	decode(t, resp, &view)
	assert.Equal(t, subscription.FreePlan, view.Plan)
	assert.Equal(t, "pro", view.Subscription.Plan)
}

func TestGetMyUsage(t *testing.T) {
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	u := &fakeUsage{rows: map[string]model.UsageCounters{
		"2026-10": {UserID: "user-a", Month: "2026-10", BasicInteractions: 49},
		"2026-09": {UserID: "user-a", Month: "2026-09", BasicInteractions: 50},
	}}
	app := subscriptionApp(&fakeBilling{}, u, now)

	resp, err := app.Test(authed(t, http.MethodGet, "/api/usage", "", "user-a"))
	require.NoError(t, err)
	var view model.UsageView
	decode(t, resp, &view)
	assert.Equal(t, "2026-10", view.Month)
	assert.Equal(t, int64(49), view.Resources[subscription.BasicInteractions].Current)
	assert.Equal(t, int64(50), view.Resources[subscription.BasicInteractions].Limit)

	resp, err = app.Test(authed(t, http.MethodGet, "/api/usage?month=2026-09", "", "user-a"))
	require.NoError(t, err)
	decode(t, resp, &view)
	assert.Equal(t, int64(50), view.Counters.BasicInteractions)

	resp, err = app.Test(authed(t, http.MethodGet, "/api/usage?month=october", "", "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGetMyUsageStoreDown(t *testing.T) {
	app := subscriptionApp(&fakeBilling{}, &fakeUsage{err: errors.New("db down")}, time.Now())

	resp, err := app.Test(authed(t, http.MethodGet, "/api/usage", "", "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestRefreshWithoutStripeSubscription(t *testing.T) {
	b := &fakeBilling{reconcileErr: billing.ErrNoStripeSubscription}
	app := subscriptionApp(b, &fakeUsage{}, time.Now())

	resp, err := app.Test(authed(t, http.MethodPost, "/api/subscription/refresh", "", "user-a"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, b.reconciled)

	var view model.AccountView
	decode(t, resp, &view)
	assert.Equal(t, subscription.FreePlan, view.Subscription.Plan)
	assert.Len(t, view.Usage.Resources, len(subscription.Resources))
}

func TestRefreshStripeFailureServesStoredRow(t *testing.T) {
	b := &fakeBilling{
		sub:          model.Subscription{UserID: "user-a", Status: subscription.StatusActive, Plan: "basic"},
		reconcileErr: errors.New("stripe timeout"),
	}
	app := subscriptionApp(b, &fakeUsage{}, time.Now())

	resp, err := app.Test(authed(t, http.MethodPost, "/api/subscription/refresh", "", "user-a"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var view model.AccountView
	decode(t, resp, &view)
	assert.Equal(t, subscription.BasicPlan, view.Subscription.Plan)
}

type stubEvaluator struct {
	decision permission.Decision
}

func (s stubEvaluator) Evaluate(_ context.Context, _ string, req permission.Request) permission.Decision {
	d := s.decision
	d.Resource = req.Resource
	return d
}

type countingTracker struct {
	mu    sync.Mutex
	calls map[subscription.Resource]int
}

func (c *countingTracker) TrackAsync(_ string, r subscription.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[subscription.Resource]int{}
	}
	c.calls[r]++
}

func permissionApp(eval middleware.Evaluator, tracker middleware.UsageTracker) *fiber.App {
	ctrl := NewPermissionController(eval, tracker)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api", middleware.AuthMiddleware(testSecret))
	api.Post("/permissions/check", ctrl.Check)
	api.Post("/usage/track", ctrl.Track)
	api.Post("/usage/consume", middleware.RequireQuota(eval, tracker), ctrl.Consume)
	return app
}

func TestPermissionCheck(t *testing.T) {
	allowed := stubEvaluator{decision: permission.Decision{Allowed: true, Plan: subscription.FreePlan, ShouldShowUpgrade: true}}
	app := permissionApp(allowed, &countingTracker{})

	resp, err := app.Test(authed(t, http.MethodPost, "/api/permissions/check", `{"resource":"basicInteractions"}`, "user-a"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, true, body["shouldShowUpgrade"])

	denied := stubEvaluator{decision: permission.Decision{Allowed: false, Code: permission.CodeUpgradeRequired, Reason: "Upgrade"}}
	app = permissionApp(denied, &countingTracker{})
	resp, err = app.Test(authed(t, http.MethodPost, "/api/permissions/check", `{"model":"gpt-premium"}`, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
}

func TestTrackIsAccepted(t *testing.T) {
	tracker := &countingTracker{}
	app := permissionApp(stubEvaluator{}, tracker)

	resp, err := app.Test(authed(t, http.MethodPost, "/api/usage/track", `{"resource":"memoriesAdded"}`, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, tracker.calls[subscription.MemoriesAdded])

	resp, err = app.Test(authed(t, http.MethodPost, "/api/usage/track", `{"resource":"nope"}`, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestConsumeTracksOnce(t *testing.T) {
	tracker := &countingTracker{}
	app := permissionApp(stubEvaluator{decision: permission.Decision{Allowed: true}}, tracker)

	resp, err := app.Test(authed(t, http.MethodPost, "/api/usage/consume", `{"resource":"videosGenerated"}`, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tracker.calls[subscription.VideosGenerated])
}

type fakeEvents struct {
	events []stripe.Event
	err    error
}

func (f *fakeEvents) HandleEvent(_ context.Context, event stripe.Event) (bool, error) {
	f.events = append(f.events, event)
	return f.err == nil, f.err
}

func signedWebhook(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func webhookPayload() string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","status":"canceled"}}}`, stripe.APIVersion)
}

func TestStripeWebhook(t *testing.T) {
	events := &fakeEvents{}
	ctrl := NewWebhookController(events, "whsec_test", nil)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Post("/api/webhook/stripe", ctrl.HandleStripeWebhook)

	resp, err := app.Test(signedWebhook(t, "whsec_test", webhookPayload()))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, events.events, 1)
	assert.Equal(t, "evt_1", events.events[0].ID)

	resp, err = app.Test(signedWebhook(t, "whsec_other", webhookPayload()))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Len(t, events.events, 1)
}

func TestStripeWebhookProcessingFailureIsRetried(t *testing.T) {
	ctrl := NewWebhookController(&fakeEvents{err: errors.New("db down")}, "whsec_test", nil)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Post("/api/webhook/stripe", ctrl.HandleStripeWebhook)

	resp, err := app.Test(signedWebhook(t, "whsec_test", webhookPayload()))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

type fakeAdmin struct {
	plan   subscription.Plan
	status subscription.Status
	deltas []int64
}

func (f *fakeAdmin) SetPlan(_ context.Context, userID string, plan subscription.Plan, status subscription.Status) (model.Subscription, error) {
	if userID == "ghost" {
		return model.Subscription{}, fmt.Errorf("apply subscription for %s: %w", userID, billing.ErrUnknownUser)
	}
	f.plan, f.status = plan, status
	return model.Subscription{UserID: userID, Plan: string(plan), Status: status}, nil
}

func (f *fakeAdmin) Increment(_ context.Context, _, _ string, _ subscription.Resource, delta int64) error {
	if delta <= 0 {
		return usage.ErrInvalidDelta
	}
	f.deltas = append(f.deltas, delta)
	return nil
}

func TestAdminRoutes(t *testing.T) {
	admin := &fakeAdmin{}
	ctrl := NewAdminController(admin, admin, nil)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	grp := app.Group("/api/admin", middleware.AuthMiddleware(testSecret), middleware.AdminOnly([]string{"ops@example.com"}))
	grp.Put("/users/:userId/subscription", ctrl.SetSubscription)
	grp.Post("/users/:userId/usage", ctrl.AdjustUsage)

	resp, err := app.Test(authed(t, http.MethodPut, "/api/admin/users/user-a/subscription", `{"plan":"pro"}`, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(authed(t, http.MethodPut, "/api/admin/users/user-a/subscription", `{"plan":"pro","status":"trialing"}`, "ops"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, subscription.ProPlan, admin.plan)
	assert.Equal(t, subscription.StatusTrialing, admin.status)

	resp, err = app.Test(authed(t, http.MethodPut, "/api/admin/users/ghost/subscription", `{"plan":"pro"}`, "ops"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, subscription.StatusTrialing, admin.status)

	resp, err = app.Test(authed(t, http.MethodPut, "/api/admin/users/user-a/subscription", `{"plan":"platinum"}`, "ops"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(authed(t, http.MethodPost, "/api/admin/users/user-a/usage", `{"resource":"voiceChats","delta":3}`, "ops"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(authed(t, http.MethodPost, "/api/admin/users/user-a/usage", `{"resource":"voiceChats","delta":-1}`, "ops"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []int64{3}, admin.deltas)
}

func TestRealtimeStream(t *testing.T) {
	hub := realtime.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl := NewRealtimeController(ctx, hub, time.Minute, nil)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/api/realtime/:userId", middleware.AuthMiddleware(testSecret), ctrl.Stream)

	resp, err := app.Test(authed(t, http.MethodGet, "/api/realtime/user-b", "", "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(authed(t, http.MethodGet, "/api/realtime/user-a?tables=bogus", "", "user-a"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/realtime/user-a", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(authed(t, http.MethodGet, "/api/realtime/user-a", "", "user-a"), 2000)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), `data: {"type":"connected"`))
	assert.Zero(t, hub.ActiveSubscriptions())
}

// recordingHub remembers the arguments of every Subscribe so the test can
// check they still hold their values after the request has been recycled.
type recordingHub struct {
	*realtime.Hub
	mu     sync.Mutex
	users  []string
	tables [][]realtime.Table
}

func (r *recordingHub) Subscribe(userID string, tables ...realtime.Table) (<-chan realtime.ChangeEvent, func()) {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.tables = append(r.tables, tables)
	r.mu.Unlock()
	return r.Hub.Subscribe(userID, tables...)
}

func (r *recordingHub) first() (string, []realtime.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) == 0 {
		return "", nil
	}
	return r.users[0], r.tables[0]
}

func TestRealtimeStreamSurvivesRequestReuse(t *testing.T) {
	rec := &recordingHub{Hub: realtime.NewHub(nil)}
	ctrl := NewRealtimeController(context.Background(), rec, 50*time.Millisecond, nil)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/api/realtime/:userId", middleware.AuthMiddleware(testSecret), ctrl.Stream)
	app.Get("/api/:section/:id", func(c *fiber.Ctx) error {
		return c.SendString(c.Params("id") + c.Query("tables"))
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()
	base := "http://" + ln.Addr().String()

	req := authed(t, http.MethodGet, base+"/api/realtime/user-aaaa?tables=usage", "", "user-aaaa")
	req.RequestURI = ""
	streamClient := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := streamClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"type":"connected"`)

	// Same-length paths and queries land in the buffers the stream request used.
	for i := 0; i < 20; i++ {
		other, err := http.Get(base + "/api/xxxxxxxx/user-bbbb?tables=zzzzz")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, other.Body)
		other.Body.Close()
	}

	user, tables := rec.first()
	assert.Equal(t, "user-aaaa", user)
	assert.Equal(t, []realtime.Table{realtime.TableUsage}, tables)

	resp.Body.Close()
	assert.Eventually(t, func() bool { return rec.ActiveSubscriptions() == 0 }, 3*time.Second, 20*time.Millisecond)

	user, tables = rec.first()
	assert.Equal(t, "user-aaaa", user)
	assert.Equal(t, []realtime.Table{realtime.TableUsage}, tables)
}

func TestGenerateUsername(t *testing.T) {
	assert.Equal(t, "ada-lovelace", generateUsername("Ada Lovelace", "ada@example.com"))
	assert.Equal(t, "ada-l", generateUsername("", "ada.l@example.com"))
	assert.Equal(t, "user", generateUsername("", "@example.com"))
}

func TestValidateRegistration(t *testing.T) {
	in := &RegisterInput{Email: " Ada@Example.com ", Password: "longenough"}
	require.NoError(t, validateRegistration(in))
	assert.Equal(t, "ada@example.com", in.Email)

	assert.Error(t, validateRegistration(&RegisterInput{Email: "nope", Password: "longenough"}))
	assert.Error(t, validateRegistration(&RegisterInput{Email: "a@b.co", Password: "short"}))
}
