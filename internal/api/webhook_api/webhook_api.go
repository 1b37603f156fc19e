package webhook_api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/ShipSync/internal/cache"
	"github.com/BearBump/ShipSync/internal/models"
	"github.com/BearBump/ShipSync/internal/services/notifications"
	"github.com/BearBump/ShipSync/internal/storage/pgstore"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Store interface {
	GetConnection(ctx context.Context) (*models.Connection, error)
	StoreNotification(ctx context.Context, payloadJSON string, explicitID string) (string, error)
	SetAllowNewIntegration(ctx context.Context, value string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// API is the inbound surface for the Sendcloud panel: the notification
// webhook, the checkout-configuration endpoint and the connect handshake.
// Failed basic auth answers 404, not 401, so the endpoints do not advertise
// themselves.
type API struct {
	store Store

	username string
	password string

	cache    cache.BytesCache
	cacheTTL time.Duration

	rl                 RateLimiter
	rateLimitPerMinute int64

	panelConnectURL string
	publicBaseURL   string
	shopName        string
}

func New(store Store, username, password string) *API {
	return &API{store: store, username: username, password: password}
}

func (a *API) WithConnectionCache(c cache.BytesCache, ttl time.Duration) *API {
	a.cache = c
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a.cacheTTL = ttl
	return a
}

func (a *API) WithRateLimiter(rl RateLimiter, perMinute int64) *API {
	a.rl = rl
	a.rateLimitPerMinute = perMinute
	return a
}

func (a *API) WithConnectSettings(panelConnectURL, publicBaseURL, shopName string) *API {
	a.panelConnectURL = panelConnectURL
	a.publicBaseURL = publicBaseURL
	a.shopName = shopName
	return a
}

func (a *API) Register(r chi.Router) {
	r.Post("/sendcloud/notify", a.handleNotify)
	// one handler for all methods, non-PUT/DELETE must answer 400
	r.HandleFunc("/sendcloud/checkout-configuration", a.handleCheckoutConfiguration)
	r.Get("/sendcloud/connection", a.handleGetConnection)
	r.Post("/sendcloud/connect", a.handleConnect)
}

func renderJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

type messageBody struct {
	Message string `json:"message"`
}

// authenticated compares the Authorization header literally against the
// configured credentials, the way the panel sends them.
func (a *API) authenticated(r *http.Request) bool {
	if a.username == "" || a.password == "" {
		return false
	}
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte(a.username+":"+a.password))
	return r.Header.Get("Authorization") == expected
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !a.authenticated(r) {
		renderJSON(w, http.StatusNotFound, messageBody{Message: "authentication failed"})
		return
	}

	if a.rl != nil && a.rateLimitPerMinute > 0 {
		allowed, _, err := a.rl.Allow(ctx, "rl:webhook:"+clientIP(r), a.rateLimitPerMinute, time.Minute)
		if err != nil {
			slog.Error("webhook rate limiter", "error", err.Error())
		} else if !allowed {
			renderJSON(w, http.StatusTooManyRequests, messageBody{Message: "too many requests"})
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		renderJSON(w, http.StatusBadRequest, messageBody{Message: "no request body"})
		return
	}

	conn, err := a.connection(ctx)
	if err != nil {
		slog.Error("load sendcloud connection", "error", err.Error())
		renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}
	if !notifications.ValidateSignature(conn, body, r.Header.Get(notifications.SignatureHeader)) {
		slog.Warn("invalid signature for notification", "body", string(body))
		renderJSON(w, http.StatusForbidden, []messageBody{{Message: "invalid signature"}})
		return
	}

	if _, err := a.store.StoreNotification(ctx, string(body), ""); err != nil {
		if errors.Is(err, pgstore.ErrInvalidBody) {
			renderJSON(w, http.StatusBadRequest, []messageBody{{Message: "invalid request body"}})
			return
		}
		slog.Error("store notification", "error", err.Error())
		renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCheckoutConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !a.authenticated(r) {
		renderJSON(w, http.StatusNotFound, messageBody{Message: "authentication failed"})
		return
	}

	var notificationJSON string
	var received string
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) == 0 {
			renderJSON(w, http.StatusBadRequest, []messageBody{{Message: "no request body"}})
			return
		}
		notificationJSON = `{ "action": "put_checkout_configuration", "payload": ` + string(body) + ` }`
		received = "checkout configuration received"
	case http.MethodDelete:
		notificationJSON = `{ "action": "delete_checkout_configuration" }`
		received = "checkout configuration deletion received"
	default:
		renderJSON(w, http.StatusBadRequest, []messageBody{{Message: "unexpected request method " + r.Method}})
		return
	}

	if _, err := a.store.StoreNotification(ctx, notificationJSON, models.CheckoutConfigurationKey); err != nil {
		if errors.Is(err, pgstore.ErrInvalidBody) {
			renderJSON(w, http.StatusBadRequest, []messageBody{{Message: "invalid request body"}})
			return
		}
		slog.Error("store checkout configuration", "error", err.Error())
		renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}

	renderJSON(w, http.StatusOK, messageBody{Message: received})
}

type connectionView struct {
	Connected            bool     `json:"connected"`
	IntegrationID        int64    `json:"integrationId,omitempty"`
	IntegrationURL       string   `json:"integrationUrl,omitempty"`
	AllowNewIntegration  string   `json:"allowNewIntegration,omitempty"`
	ServicePointEnabled  bool     `json:"servicePointEnabled,omitempty"`
	ServicePointCarriers []string `json:"servicePointCarriers,omitempty"`
}

func (a *API) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if !a.authenticated(r) {
		renderJSON(w, http.StatusNotFound, messageBody{Message: "authentication failed"})
		return
	}

	conn, err := a.connection(r.Context())
	if err != nil {
		slog.Error("load sendcloud connection", "error", err.Error())
		renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}
	if conn == nil {
		renderJSON(w, http.StatusOK, connectionView{Connected: false})
		return
	}
	renderJSON(w, http.StatusOK, connectionView{
		Connected:            true,
		IntegrationID:        conn.IntegrationID,
		IntegrationURL:       "https://panel.sendcloud.sc/#/settings/integrations/api/" + itoa(conn.IntegrationID),
		AllowNewIntegration:  conn.AllowNewIntegration,
		ServicePointEnabled:  conn.ServicePointEnabled,
		ServicePointCarriers: conn.ServicePointCarriers,
	})
}

// handleConnect opens the two-job-run window during which webhook signatures
// are not validated, and hands back the panel URL the operator must visit to
// finish the handshake.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !a.authenticated(r) {
		renderJSON(w, http.StatusNotFound, messageBody{Message: "authentication failed"})
		return
	}

	conn, err := a.store.GetConnection(ctx)
	if err != nil {
		slog.Error("load sendcloud connection", "error", err.Error())
		renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}
	if conn != nil {
		if err := a.store.SetAllowNewIntegration(ctx, models.AllowNewIntegrationUntilEstablished); err != nil {
			slog.Error("open allow-new-integration window", "error", err.Error())
			renderJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
			return
		}
		a.invalidateConnectionCache(ctx)
	}

	renderJSON(w, http.StatusOK, map[string]string{"redirectUrl": a.connectURL()})
}

func (a *API) connectURL() string {
	webhookURL := a.publicBaseURL + "/sendcloud/notify"
	webshopURL := a.publicBaseURL + "/sendcloud/"
	if u, err := url.Parse(a.publicBaseURL); err == nil && u.Host != "" {
		u.User = url.UserPassword(a.username, a.password)
		webhookURL = u.String() + "/sendcloud/notify"
		webshopURL = u.String() + "/sendcloud/"
	}
	q := url.Values{}
	q.Set("url_webshop", webshopURL)
	q.Set("webhook_url", webhookURL)
	q.Set("shop_name", a.shopName)
	return a.panelConnectURL + "?" + q.Encode()
}

// connection reads the singleton connection through the Redis cache when one
// is configured. Absence is not cached.
func (a *API) connection(ctx context.Context) (*models.Connection, error) {
	if a.cache != nil {
		if data, ok, err := a.cache.Get(ctx, models.ConnectionCacheKey); err != nil {
			slog.Error("connection cache get", "error", err.Error())
		} else if ok {
			var conn models.Connection
			if err := json.Unmarshal(data, &conn); err == nil {
				return &conn, nil
			}
		}
	}

	conn, err := a.store.GetConnection(ctx)
	if err != nil || conn == nil {
		return conn, err
	}
	if a.cache != nil {
		if data, err := json.Marshal(conn); err == nil {
			if err := a.cache.Set(ctx, models.ConnectionCacheKey, data, a.cacheTTL); err != nil {
				slog.Error("connection cache set", "error", err.Error())
			}
		}
	}
	return conn, nil
}

func (a *API) invalidateConnectionCache(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, models.ConnectionCacheKey); err != nil {
		slog.Error("invalidate connection cache", "error", err.Error())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
