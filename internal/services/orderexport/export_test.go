package orderexport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/ShipSync/internal/integrations/sendcloud"
	"github.com/BearBump/ShipSync/internal/models"
	"github.com/stretchr/testify/require"
)

type noteRecord struct {
	orderNo string
	subject string
}

type fakeStore struct {
	conn      *models.Connection
	orders    []*models.Order
	shipments map[string][]*models.Shipment

	failures map[string]int32
	exported []string // "<orderNo>/<shipmentID>/<uuid>/<markOrder>"
	notes    []noteRecord
}

func newFakeStore(orders []*models.Order, shipments map[string][]*models.Shipment) *fakeStore {
	return &fakeStore{
		conn:      &models.Connection{Key: models.ConnectionKey, IntegrationID: 1, PublicKey: "pub", SecretKey: "sec"},
		orders:    orders,
		shipments: shipments,
		failures:  map[string]int32{},
	}
}

func (s *fakeStore) GetConnection(ctx context.Context) (*models.Connection, error) {
	return s.conn, nil
}

func (s *fakeStore) CandidateOrders(ctx context.Context, createdAfter time.Time) ([]*models.Order, error) {
	return s.orders, nil
}

func (s *fakeStore) ShipmentsByOrderNo(ctx context.Context, orderNo string) ([]*models.Shipment, error) {
	return s.shipments[orderNo], nil
}

func (s *fakeStore) RecordOrderExportFailure(ctx context.Context, orderNo string, maxFailedAttempts int32) (int32, string, error) {
	s.failures[orderNo]++
	attempts := s.failures[orderNo]
	status := models.ExportStatusNotExported
	if attempts >= maxFailedAttempts {
		status = models.ExportStatusFailed
	}
	return attempts, status, nil
}

func (s *fakeStore) MarkShipmentExported(ctx context.Context, orderNo, shipmentID, shipmentUUID string, markOrderExported bool) error {
	mark := "keep"
	if markOrderExported {
		mark = "exported"
	}
	s.exported = append(s.exported, strings.Join([]string{orderNo, shipmentID, shipmentUUID, mark}, "/"))
	return nil
}

func (s *fakeStore) AddOrderNote(ctx context.Context, orderNo, subject, body string) error {
	s.notes = append(s.notes, noteRecord{orderNo: orderNo, subject: subject})
	return nil
}

type fakeClient struct {
	// results per call, popped in order; a nil entry means return err
	batches [][]sendcloud.ExportResult
	errs    []error
	calls   [][]sendcloud.ShipmentModel
}

func (c *fakeClient) ExportShipments(ctx context.Context, conn *models.Connection, shipments []sendcloud.ShipmentModel) ([]sendcloud.ExportResult, error) {
	c.calls = append(c.calls, shipments)
	i := len(c.calls) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.batches) {
		return c.batches[i], nil
	}
	return nil, nil
}

func okResult(orderNo, shipmentID, uuid string) sendcloud.ExportResult {
	return sendcloud.ExportResult{
		ExternalOrderID:    orderNo,
		ExternalShipmentID: orderNo + "-" + shipmentID,
		ShipmentUUID:       uuid,
		Status:             "created",
	}
}

func errResult(orderNo, shipmentID string) sendcloud.ExportResult {
	return sendcloud.ExportResult{
		ExternalOrderID:    orderNo,
		ExternalShipmentID: orderNo + "-" + shipmentID,
		Status:             sendcloud.ExportResultStatusError,
	}
}

func TestJob_Run_exportsShipments(t *testing.T) {
	st := newFakeStore(
		[]*models.Order{{OrderNo: "O1", ExportedFromPlatform: true}},
		map[string][]*models.Shipment{
			"O1": {
				{ID: "S1", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"},
				// no address: never sent
				{ID: "S2", OrderNo: "O1", SendcloudDeliveryMethodType: "standard"},
				// not a sendcloud shipping method: never sent
				{ID: "S3", OrderNo: "O1", HasShippingAddress: true},
			},
		},
	)
	cl := &fakeClient{batches: [][]sendcloud.ExportResult{{okResult("O1", "S1", "uuid-1")}}}

	status := New(st, cl).Run(context.Background())
	require.Equal(t, StatusOK, status.Code)
	require.Len(t, cl.calls, 1)
	require.Len(t, cl.calls[0], 1)
	require.Equal(t, "O1-S1", cl.calls[0][0].ExternalShipmentID)
	require.Equal(t, []string{"O1/S1/uuid-1/exported"}, st.exported)
	require.Empty(t, st.failures)
}

func TestJob_Run_failedShipmentPoisonsOrder(t *testing.T) {
	// shipment A errors, shipment B of the same order succeeds: the UUID of B
	// is kept but the order must not become EXPORTED, and the failed-attempt
	// counter moves only once.
	st := newFakeStore(
		[]*models.Order{{OrderNo: "O1", ExportedFromPlatform: true}},
		map[string][]*models.Shipment{
			"O1": {
				{ID: "SA", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"},
				{ID: "SB", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"},
			},
		},
	)
	cl := &fakeClient{batches: [][]sendcloud.ExportResult{{
		errResult("O1", "SA"),
		okResult("O1", "SB", "uuid-b"),
	}}}

	status := New(st, cl).Run(context.Background())
	require.Equal(t, StatusWarn, status.Code)
	require.Equal(t, int32(1), st.failures["O1"])
	require.Equal(t, []string{"O1/SB/uuid-b/keep"}, st.exported)
}

func TestJob_Run_failureSharedAcrossBatches(t *testing.T) {
	// batch size 1 forces the two shipments into separate batches; the failed
	// set must survive the batch boundary.
	st := newFakeStore(
		[]*models.Order{{OrderNo: "O1", ExportedFromPlatform: true}},
		map[string][]*models.Shipment{
			"O1": {
				{ID: "SA", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"},
				{ID: "SB", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"},
			},
		},
	)
	cl := &fakeClient{batches: [][]sendcloud.ExportResult{
		{errResult("O1", "SA")},
		{okResult("O1", "SB", "uuid-b")},
	}}

	status := New(st, cl).WithSettings(1, 14, 3).Run(context.Background())
	require.Equal(t, StatusWarn, status.Code)
	require.Len(t, cl.calls, 2)
	require.Equal(t, int32(1), st.failures["O1"])
	require.Equal(t, []string{"O1/SB/uuid-b/keep"}, st.exported)
}

func TestJob_Run_circuitOpenAbortsRun(t *testing.T) {
	st := newFakeStore(
		[]*models.Order{
			{OrderNo: "O1", ExportedFromPlatform: true},
			{OrderNo: "O2", ExportedFromPlatform: true},
		},
		map[string][]*models.Shipment{
			"O1": {{ID: "S1", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
			"O2": {{ID: "S1", OrderNo: "O2", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
		},
	)
	cl := &fakeClient{errs: []error{sendcloud.ErrCircuitOpen}}

	status := New(st, cl).WithSettings(1, 14, 3).Run(context.Background())
	require.Equal(t, StatusError, status.Code)
	// no second batch after the circuit opened
	require.Len(t, cl.calls, 1)
}

func TestJob_Run_transportErrorContinues(t *testing.T) {
	st := newFakeStore(
		[]*models.Order{
			{OrderNo: "O1", ExportedFromPlatform: true},
			{OrderNo: "O2", ExportedFromPlatform: true},
		},
		map[string][]*models.Shipment{
			"O1": {{ID: "S1", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
			"O2": {{ID: "S1", OrderNo: "O2", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
		},
	)
	cl := &fakeClient{
		errs:    []error{context.DeadlineExceeded, nil},
		batches: [][]sendcloud.ExportResult{nil, {okResult("O2", "S1", "uuid-2")}},
	}

	status := New(st, cl).WithSettings(1, 14, 3).Run(context.Background())
	require.Equal(t, StatusError, status.Code)
	require.Len(t, cl.calls, 2)
	require.Equal(t, []string{"O2/S1/uuid-2/exported"}, st.exported)
}

func TestJob_Run_unmatchedResponseEntryWarns(t *testing.T) {
	st := newFakeStore(
		[]*models.Order{{OrderNo: "O1", ExportedFromPlatform: true}},
		map[string][]*models.Shipment{
			"O1": {{ID: "S1", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
		},
	)
	cl := &fakeClient{batches: [][]sendcloud.ExportResult{{
		okResult("O1", "S1", "uuid-1"),
		okResult("O9", "S9", "uuid-9"),
	}}}

	status := New(st, cl).Run(context.Background())
	require.Equal(t, StatusWarn, status.Code)
	require.Equal(t, []string{"O1/S1/uuid-1/exported"}, st.exported)
}

func TestJob_Run_noConnection(t *testing.T) {
	st := newFakeStore(nil, nil)
	st.conn = nil
	cl := &fakeClient{}

	status := New(st, cl).Run(context.Background())
	require.Equal(t, StatusError, status.Code)
	require.Empty(t, cl.calls)
}

func TestJob_Run_orderNotes(t *testing.T) {
	st := newFakeStore(
		[]*models.Order{{OrderNo: "O1", ExportedFromPlatform: true}},
		map[string][]*models.Shipment{
			"O1": {{ID: "S1", OrderNo: "O1", HasShippingAddress: true, SendcloudDeliveryMethodType: "standard"}},
		},
	)
	cl := &fakeClient{batches: [][]sendcloud.ExportResult{{okResult("O1", "S1", "uuid-1")}}}

	status := New(st, cl).WithOrderNotes(true).Run(context.Background())
	require.Equal(t, StatusOK, status.Code)
	require.Equal(t, []noteRecord{
		{orderNo: "O1", subject: "Sendcloud shipment 'S1' - request"},
		{orderNo: "O1", subject: "Sendcloud shipment 'S1' - response"},
	}, st.notes)
}
