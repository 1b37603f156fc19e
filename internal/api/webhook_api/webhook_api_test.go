package webhook_api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/BearBump/ShipSync/internal/services/notifications"
	"github.com/BearBump/ShipSync/internal/storage/pgstore"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// Basic base64("user:pass")
const goodAuth = "Basic dXNlcjpwYXNz"

type fakeStore struct {
	conn *models.Connection

	stored    map[string]string
	storedErr error
	allowSet  []string
}

func newFakeStore(conn *models.Connection) *fakeStore {
	return &fakeStore{conn: conn, stored: map[string]string{}}
}

func (s *fakeStore) GetConnection(ctx context.Context) (*models.Connection, error) {
	return s.conn, nil
}

func (s *fakeStore) StoreNotification(ctx context.Context, payloadJSON string, explicitID string) (string, error) {
	if s.storedErr != nil {
		return "", s.storedErr
	}
	id := explicitID
	if id == "" {
		id = "generated"
	}
	s.stored[id] = payloadJSON
	return id, nil
}

func (s *fakeStore) SetAllowNewIntegration(ctx context.Context, value string) error {
	s.allowSet = append(s.allowSet, value)
	if s.conn != nil {
		s.conn.AllowNewIntegration = value
	}
	return nil
}

type fakeRL struct {
	allowed bool
	keys    []string
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	return r.allowed, 1, nil
}

func newRouter(a *API) http.Handler {
	r := chi.NewRouter()
	a.Register(r)
	return r
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func disabledConn() *models.Connection {
	return &models.Connection{
		Key:                 models.ConnectionKey,
		IntegrationID:       42,
		PublicKey:           "pub",
		SecretKey:           "sec",
		AllowNewIntegration: models.AllowNewIntegrationDisabled,
	}
}

func TestNotify_badAuthAnswers404(t *testing.T) {
	h := newRouter(New(newFakeStore(nil), "user", "pass"))

	for _, auth := range []string{"", "Basic d3Jvbmc6d3Jvbmc=", "Bearer token"} {
		req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(`{}`))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestNotify_emptyBodyAnswers400(t *testing.T) {
	// auth is fine, but there is nothing to store
	h := newRouter(New(newFakeStore(nil), "user", "pass"))

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_invalidSignatureAnswers403(t *testing.T) {
	st := newFakeStore(disabledConn())
	h := newRouter(New(st, "user", "pass"))

	body := `{"action":"parcel_status_changed","timestamp":1}`
	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(body))
	req.Header.Set("Authorization", goodAuth)
	req.Header.Set(notifications.SignatureHeader, sign(body, "wrong"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, st.stored)
}

func TestNotify_validSignatureStoresAndAnswers204(t *testing.T) {
	st := newFakeStore(disabledConn())
	h := newRouter(New(st, "user", "pass"))

	body := `{}`
	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(body))
	req.Header.Set("Authorization", goodAuth)
	req.Header.Set(notifications.SignatureHeader, sign(body, "sec"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, body, st.stored["generated"])
}

func TestNotify_noConnectionBypassesSignature(t *testing.T) {
	st := newFakeStore(nil)
	h := newRouter(New(st, "user", "pass"))

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(`{"timestamp":5}`))
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, st.stored, 1)
}

func TestNotify_unparseableBodyAnswers400(t *testing.T) {
	st := newFakeStore(nil)
	st.storedErr = pgstore.ErrInvalidBody
	h := newRouter(New(st, "user", "pass"))

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(`not json`))
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_rateLimited(t *testing.T) {
	rl := &fakeRL{allowed: false}
	h := newRouter(New(newFakeStore(nil), "user", "pass").WithRateLimiter(rl, 60))

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/notify", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, []string{"rl:webhook:10.0.0.1"}, rl.keys)
}

func TestCheckoutConfiguration_putWrapsBody(t *testing.T) {
	st := newFakeStore(nil)
	h := newRouter(New(st, "user", "pass"))

	req := httptest.NewRequest(http.MethodPut, "/sendcloud/checkout-configuration", strings.NewReader(`{"checkout_configuration":{}}`))
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t,
		`{ "action": "put_checkout_configuration", "payload": {"checkout_configuration":{}} }`,
		st.stored[models.CheckoutConfigurationKey])
}

func TestCheckoutConfiguration_delete(t *testing.T) {
	st := newFakeStore(nil)
	h := newRouter(New(st, "user", "pass"))

	req := httptest.NewRequest(http.MethodDelete, "/sendcloud/checkout-configuration", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{ "action": "delete_checkout_configuration" }`, st.stored[models.CheckoutConfigurationKey])
}

func TestCheckoutConfiguration_putWithoutBodyAnswers400(t *testing.T) {
	h := newRouter(New(newFakeStore(nil), "user", "pass"))

	req := httptest.NewRequest(http.MethodPut, "/sendcloud/checkout-configuration", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutConfiguration_unexpectedMethodAnswers400(t *testing.T) {
	st := newFakeStore(nil)
	h := newRouter(New(st, "user", "pass"))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPatch} {
		req := httptest.NewRequest(method, "/sendcloud/checkout-configuration", nil)
		req.Header.Set("Authorization", goodAuth)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, method)
	}
	require.Empty(t, st.stored)
}

func TestGetConnection(t *testing.T) {
	st := newFakeStore(disabledConn())
	h := newRouter(New(st, "user", "pass"))

	req := httptest.NewRequest(http.MethodGet, "/sendcloud/connection", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"connected":true`)
	require.Contains(t, rec.Body.String(), `"integrationId":42`)
	require.NotContains(t, rec.Body.String(), "sec")
}

func TestConnect_opensWindowAndReturnsPanelURL(t *testing.T) {
	st := newFakeStore(disabledConn())
	api := New(st, "user", "pass").
		WithConnectSettings("https://panel.sendcloud.sc/shops/api/connect/", "https://shop.example.com", "Example shop")
	h := newRouter(api)

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/connect", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{models.AllowNewIntegrationUntilEstablished}, st.allowSet)

	out := rec.Body.String()
	require.Contains(t, out, "panel.sendcloud.sc")
	require.Contains(t, out, "shop_name=Example+shop")
}

func TestConnect_withoutConnectionDoesNotTouchWindow(t *testing.T) {
	st := newFakeStore(nil)
	api := New(st, "user", "pass").
		WithConnectSettings("https://panel.sendcloud.sc/shops/api/connect/", "https://shop.example.com", "Example shop")
	h := newRouter(api)

	req := httptest.NewRequest(http.MethodPost, "/sendcloud/connect", nil)
	req.Header.Set("Authorization", goodAuth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, st.allowSet)
}
