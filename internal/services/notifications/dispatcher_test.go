package notifications

import (
	"context"
	"testing"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeInbox struct {
	records  []*models.NotificationRecord
	removed  []string
	statuses map[string]string

	conn     *models.Connection
	allowSet []string
}

func newFakeInbox(records ...*models.NotificationRecord) *fakeInbox {
	return &fakeInbox{records: records, statuses: map[string]string{}}
}

func (s *fakeInbox) PendingNotifications(ctx context.Context) ([]*models.NotificationRecord, error) {
	return s.records, nil
}

func (s *fakeInbox) RemoveNotification(ctx context.Context, id string) error {
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeInbox) SetNotificationStatus(ctx context.Context, id, status string) error {
	s.statuses[id] = status
	return nil
}

func (s *fakeInbox) GetConnection(ctx context.Context) (*models.Connection, error) {
	return s.conn, nil
}

func (s *fakeInbox) SetAllowNewIntegration(ctx context.Context, value string) error {
	s.allowSet = append(s.allowSet, value)
	if s.conn != nil {
		s.conn.AllowNewIntegration = value
	}
	return nil
}

type fakeProcessor struct {
	results map[string]Result
	errs    map[string]error
}

func (p *fakeProcessor) Process(ctx context.Context, raw string) (Result, error) {
	if err, ok := p.errs[raw]; ok {
		return Result{}, err
	}
	return p.results[raw], nil
}

func TestDispatcher_successRemovesRecord(t *testing.T) {
	inbox := newFakeInbox(&models.NotificationRecord{ID: "1_a", Message: "ok", ProcessStatus: models.NotificationStatusNew})
	proc := &fakeProcessor{results: map[string]Result{"ok": {Success: true, UpdateNotification: true}}}

	st := NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusOK, st.Code)
	require.Equal(t, StatusOK, st.Computed)
	require.Equal(t, []string{"1_a"}, inbox.removed)
	require.Empty(t, inbox.statuses)
}

func TestDispatcher_retryLadder(t *testing.T) {
	inbox := newFakeInbox(
		&models.NotificationRecord{ID: "1_new", Message: "fail", ProcessStatus: models.NotificationStatusNew},
	)
	proc := &fakeProcessor{results: map[string]Result{"fail": {Success: false}}}

	st := NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusWarn, st.Code)
	require.Equal(t, models.NotificationStatusRetry, inbox.statuses["1_new"])
	require.Empty(t, inbox.removed)

	inbox = newFakeInbox(
		&models.NotificationRecord{ID: "2_retry", Message: "fail", ProcessStatus: models.NotificationStatusRetry},
	)
	st = NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusError, st.Code)
	require.Equal(t, models.NotificationStatusError, inbox.statuses["2_retry"])
	require.Empty(t, inbox.removed)
}

func TestDispatcher_processorErrorLeavesRecordUntouched(t *testing.T) {
	inbox := newFakeInbox(&models.NotificationRecord{ID: "1_a", Message: "boom", ProcessStatus: models.NotificationStatusNew})
	proc := &fakeProcessor{errs: map[string]error{"boom": context.DeadlineExceeded}}

	st := NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusError, st.Code)
	require.Empty(t, inbox.removed)
	require.Empty(t, inbox.statuses)
}

func TestDispatcher_retainedRecordSignalsFollowUp(t *testing.T) {
	inbox := newFakeInbox(&models.NotificationRecord{
		ID:            models.CheckoutConfigurationKey,
		Message:       "cfg",
		ProcessStatus: models.NotificationStatusNew,
	})
	proc := &fakeProcessor{results: map[string]Result{
		"cfg": {Success: true, UpdateNotification: false, UpdateCheckoutConfiguration: true},
	}}

	st := NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusUpdateCheckoutConfiguration, st.Code)
	require.Equal(t, StatusOK, st.Computed)
	require.Empty(t, inbox.removed)
	require.Empty(t, inbox.statuses)
}

func TestDispatcher_followUpKeepsComputedSeverity(t *testing.T) {
	inbox := newFakeInbox(
		&models.NotificationRecord{ID: "1_fail", Message: "fail", ProcessStatus: models.NotificationStatusNew},
		&models.NotificationRecord{ID: models.CheckoutConfigurationKey, Message: "cfg", ProcessStatus: models.NotificationStatusNew},
	)
	proc := &fakeProcessor{results: map[string]Result{
		"fail": {Success: false},
		"cfg":  {Success: true, UpdateCheckoutConfiguration: true},
	}}

	st := NewDispatcher(inbox, proc).RunOnce(context.Background())
	require.Equal(t, StatusUpdateCheckoutConfiguration, st.Code)
	require.Equal(t, StatusWarn, st.Computed)
}

func TestDispatcher_allowNewIntegrationWindowCloses(t *testing.T) {
	fc := &fakeCache{}
	inbox := newFakeInbox()
	inbox.conn = &models.Connection{
		Key:                 models.ConnectionKey,
		AllowNewIntegration: models.AllowNewIntegrationUntilEstablished,
	}
	d := NewDispatcher(inbox, &fakeProcessor{}).WithConnectionCache(fc)

	st := d.RunOnce(context.Background())
	require.Equal(t, StatusOK, st.Code)
	require.Equal(t, []string{models.AllowNewIntegrationUntilNextJobRun}, inbox.allowSet)

	st = d.RunOnce(context.Background())
	require.Equal(t, StatusOK, st.Code)
	require.Equal(t, []string{
		models.AllowNewIntegrationUntilNextJobRun,
		models.AllowNewIntegrationDisabled,
	}, inbox.allowSet)
	require.Equal(t, []string{models.ConnectionCacheKey, models.ConnectionCacheKey}, fc.dels)

	// window closed, nothing more to advance
	st = d.RunOnce(context.Background())
	require.Equal(t, StatusOK, st.Code)
	require.Len(t, inbox.allowSet, 2)
}
