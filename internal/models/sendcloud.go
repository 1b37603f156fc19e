package models

import "time"

// Singleton connection record is always stored under this key.
const ConnectionKey = "CONNECTION"

// Redis key for the cached connection record. Every connection mutation must
// invalidate it.
const ConnectionCacheKey = "sendcloud:connection"

// Values of Connection.AllowNewIntegration. While not DISABLED the webhook
// signature check is bypassed, because a freshly created integration sends
// notifications signed with a secret we do not know yet.
const (
	AllowNewIntegrationDisabled         = "DISABLED"
	AllowNewIntegrationUntilEstablished = "ENABLED_UNTIL_INTEGRATION_ESTABLISHED"
	AllowNewIntegrationUntilNextJobRun  = "ENABLED_UNTIL_NEXT_JOB_RUN"
)

type Connection struct {
	Key                  string
	IntegrationID        int64
	PublicKey            string
	SecretKey            string
	AllowNewIntegration  string
	ServicePointEnabled  bool
	ServicePointCarriers []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Notification inbox record lifecycle. A successfully processed record is
// removed, so absence means "done".
const (
	NotificationStatusNew   = "NEW"
	NotificationStatusRetry = "RETRY"
	NotificationStatusError = "ERROR"
)

// Fixed inbox key for the checkout-configuration singleton; each PUT/DELETE
// from Sendcloud replaces the previous unconsumed entry wholesale.
const CheckoutConfigurationKey = "CHECKOUT_CONFIGURATION"

type NotificationRecord struct {
	ID            string
	Message       string
	ProcessStatus string
	Timestamp     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Values of Order.SendcloudExportStatus.
const (
	ExportStatusNotExported = "NOTEXPORTED"
	ExportStatusExported    = "EXPORTED"
	ExportStatusFailed      = "FAILED"
)

type Order struct {
	OrderNo                 string
	ExportedFromPlatform    bool
	SendcloudExportStatus   string
	SendcloudFailedAttempts int32
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type Shipment struct {
	ID      string
	OrderNo string

	HasShippingAddress bool

	// Which Sendcloud flavour this shipment uses; at least one must be set
	// for the shipment to be exported.
	SendcloudServicePointID     string
	SendcloudDeliveryMethodType string

	ShipToName     string
	ShipToAddress  string
	ShipToCity     string
	ShipToPostCode string
	ShipToCountry  string

	SendcloudShipmentUUID   string
	SendcloudStatus         *int64
	SendcloudTrackingNumber string
	SendcloudTrackingURL    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderNote struct {
	ID        uint64
	OrderNo   string
	Subject   string
	Body      string
	CreatedAt time.Time
}

// Source marker for shipping methods mirrored from the Sendcloud checkout
// configuration; methods from other sources are never touched by the
// reconciler.
const ShippingMethodSourceCheckout = "sendcloud-checkout"

type ShippingMethod struct {
	// ID is "<deliveryMethodID>__<currencyCode>", one method per currency.
	ID           string
	Source       string
	Name         string
	Carrier      string
	MethodType   string
	Zone         string
	CurrencyCode string
	// Raw delivery-method payload as received, kept for rate/cutoff rules
	// evaluated elsewhere.
	RawJSON   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
