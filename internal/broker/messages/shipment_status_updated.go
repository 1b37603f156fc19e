package messages

import "time"

// ShipmentStatusUpdated is published after a parcel_status_changed
// notification has been applied, so downstream consumers (OMS, customer
// messaging) see tracking changes without polling.
type ShipmentStatusUpdated struct {
	OrderNo      string `json:"order_no"`
	ShipmentID   string `json:"shipment_id"`
	ShipmentUUID string `json:"shipment_uuid,omitempty"`

	Status         *int64 `json:"status,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	TrackingURL    string `json:"tracking_url,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
