package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"guestkey/config"
	"guestkey/internal/health"
	"guestkey/internal/model"
	"guestkey/internal/provision"
	"guestkey/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&model.Reservation{}, &model.ActionLog{}, &model.PushSubscription{}))
	s, err := store.NewGormStore(context.Background(), gormDB)
	require.NoError(t, err)
	return s
}

type fakeOperator struct {
	store    store.Store
	sweeps   int
	notified []int64
}

func (f *fakeOperator) SendPendingNotifications(ctx context.Context) (int, error) {
	f.sweeps++
	return 2, nil
}

func (f *fakeOperator) ForceNotify(ctx context.Context, id int64) (bool, error) {
	if _, err := f.store.GetReservation(ctx, id); err != nil {
		return false, err
	}
	f.notified = append(f.notified, id)
	return true, nil
}

func (f *fakeOperator) AddManual(ctx context.Context, label string, in, out time.Time) (*model.Reservation, error) {
	r := &model.Reservation{Source: model.SourceManual, GuestLabel: label, CheckIn: in, CheckOut: out, AccessCode: "424242"}
	return r, f.store.CreateReservation(ctx, r)
}

func (f *fakeOperator) Revoke(ctx context.Context, id int64) (*model.Reservation, error) {
	r, err := f.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsActive() {
		return r, provision.ErrNotActive
	}
	if r.GuestLabel == "stuck" {
		return r, errors.New("lock unreachable")
	}
	r.Status = model.StatusRevoked
	return r, f.store.UpdateStatus(ctx, id, model.StatusRevoked)
}

type fakeMessenger struct {
	ok   bool
	sent []string
}

func (m *fakeMessenger) Send(ctx context.Context, recipient, text string) bool {
	m.sent = append(m.sent, recipient+":"+text)
	return m.ok
}

func (m *fakeMessenger) IsReady() bool { return m.ok }

type apiFixture struct {
	router *gin.Engine
	store  store.Store
	op     *fakeOperator
	msg    *fakeMessenger
}

func newAPIFixture(t *testing.T) *apiFixture {
	s := newTestStore(t)
	op := &fakeOperator{store: s}
	msg := &fakeMessenger{ok: true}
	tracker := health.NewTracker(nil)
	tracker.Expect("reconcile", time.Hour)
	tracker.Observe("reconcile", nil)

	cfg := config.Default().Server
	cfg.RateLimitPerSec = 1000
	cfg.RateLimitBurst = 1000
	router := NewRouter(cfg, Deps{
		Store:     s,
		Operator:  op,
		Messenger: msg,
		Tracker:   tracker,
		WebPush:   &webpush.Options{VAPIDPublicKey: "BPub"},
		Node:      "pi",
	})
	return &apiFixture{router: router, store: s, op: op, msg: msg}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seed(t *testing.T, label string) *model.Reservation {
	in := time.Date(2025, 2, 14, 15, 0, 0, 0, time.UTC)
	r := &model.Reservation{Source: "airbnb", GuestLabel: label, CheckIn: in, CheckOut: in.Add(68 * time.Hour), AccessCode: "123456"}
	require.NoError(t, f.store.CreateReservation(context.Background(), r))
	return r
}

func TestGetStatus(t *testing.T) {
	f := newAPIFixture(t)
	r := f.seed(t, "Airbnb-Feb14")
	require.NoError(t, f.store.LogAction(context.Background(), &r.ID, model.ActionLockUserCreated, map[string]string{"ref": "7"}))

	w := f.do(t, "GET", "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, "pi", body.Node)
	assert.Equal(t, "primary", body.Role)
	assert.True(t, body.NotifierReady)
	assert.Equal(t, int64(1), body.Counts[model.StatusActive])
	require.Len(t, body.Active, 1)
	assert.True(t, body.Active[0].Provisioned)
	assert.False(t, body.Active[0].Notified)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "reconcile", body.Jobs[0].Name)
}

func TestNotifyEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	r := f.seed(t, "Airbnb-Feb14")

	w := f.do(t, "POST", "/notify/all", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"sent":2}`, w.Body.String())
	assert.Equal(t, 1, f.op.sweeps)

	w = f.do(t, "POST", "/notify/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "POST", "/notify/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/notify/"+itoa(r.ID), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{r.ID}, f.op.notified)
}

func TestSend(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/send", `{"number":"+15550100"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, "POST", "/send", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/send", `{"number":"+15550100","text":"hi"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"+15550100:hi"}, f.msg.sent)

	f.msg.ok = false
	w = f.do(t, "POST", "/send", `{"number":"+15550100","text":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestReservationEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	stuck := f.seed(t, "stuck")

	w := f.do(t, "POST", "/reservations", `{"guestLabel":"Cleaner","checkIn":"2025-02-20T10:00:00Z","checkOut":"2025-02-20T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/reservations", `{"guestLabel":"Cleaner","checkIn":"2025-02-20T10:00:00Z","checkOut":"2025-02-20T14:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Reservation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, model.SourceManual, created.Source)

	w = f.do(t, "GET", "/reservations?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Reservation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Cleaner", list[0].GuestLabel)

	w = f.do(t, "GET", "/reservations?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/reservations/"+itoa(created.ID)+"/revoke", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "POST", "/reservations/"+itoa(created.ID)+"/revoke", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, "POST", "/reservations/"+itoa(stuck.ID)+"/revoke", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	w = f.do(t, "POST", "/reservations/12345/revoke", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVAPIDAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "GET", "/vapid_public_key", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPub"}`, w.Body.String())

	f.do(t, "GET", "/status", "")
	w = f.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guestkey_api_requests_total")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
