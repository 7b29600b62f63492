package lotdetail

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upfweb/internal/apiclient"
	"upfweb/internal/events"
	"upfweb/internal/models"
	"upfweb/internal/upf"
	"upfweb/internal/variants"
)

// fakeAPI records calls and serves canned data.
type fakeAPI struct {
	mu     sync.Mutex
	calls  map[string]int
	lot    models.ProductionLot
	alerts []models.InventoryAlert

	lotErr    error
	alertErr  error
	opts      map[int]variants.Options
	optsErr   error
	subOpts   func(ctx context.Context, psid int) (variants.Options, error)
	deleteErr error
	bulk      []upf.Acknowledgment
	saved     []int
	getLot    func(ctx context.Context) (models.ProductionLot, error)
}

func newFake(lot models.ProductionLot, alerts ...models.InventoryAlert) *fakeAPI {
	return &fakeAPI{calls: make(map[string]int), lot: lot, alerts: alerts}
}

func (f *fakeAPI) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) GetProductionLot(ctx context.Context, id int) (models.ProductionLot, error) {
	f.hit("get")
	if f.getLot != nil {
		return f.getLot(ctx)
	}
	return f.lot, f.lotErr
}

func (f *fakeAPI) LotAlerts(ctx context.Context, lotID int) ([]models.InventoryAlert, error) {
	f.hit("alerts")
	if f.alertErr != nil {
		return nil, f.alertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InventoryAlert(nil), f.alerts...), nil
}

func (f *fakeAPI) LotVariantOptions(ctx context.Context, lotID int) (map[int]variants.Options, error) {
	f.hit("lot_options")
	return f.opts, f.optsErr
}

func (f *fakeAPI) SubprocessVariantOptions(ctx context.Context, psid int) (variants.Options, error) {
	f.hit("sub_options")
	if f.subOpts != nil {
		return f.subOpts(ctx, psid)
	}
	return variants.Options{}, errors.New("not configured")
}

func (f *fakeAPI) UpdateProductionLot(ctx context.Context, id int, in models.LotUpdate) error {
	f.hit("update")
	return nil
}

func (f *fakeAPI) DeleteProductionLot(ctx context.Context, id int) error {
	f.hit("delete")
	return f.deleteErr
}

func (f *fakeAPI) FinalizeProductionLot(ctx context.Context, id int) error {
	f.hit("finalize")
	return nil
}

func (f *fakeAPI) RecalculateProductionLot(ctx context.Context, id int) error {
	f.hit("recalculate")
	return nil
}

func (f *fakeAPI) AddLotSubprocess(ctx context.Context, lotID, subprocessID int) error {
	f.hit("add_subprocess")
	return &apiclient.APIError{Status: http.StatusBadRequest, Message: "Invalid subprocess", Fields: map[string]string{"subprocess_id": "already attached"}}
}

func (f *fakeAPI) SetSubprocessVariants(ctx context.Context, lotID, psid int, ids []int) error {
	f.hit("set_variants")
	f.mu.Lock()
	f.saved = ids
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) AcknowledgeAlert(ctx context.Context, lotID int, ack upf.Acknowledgment) error {
	f.hit("ack")
	return nil
}

func (f *fakeAPI) BulkAcknowledgeAlerts(ctx context.Context, lotID int, acks []upf.Acknowledgment) error {
	f.hit("bulk_ack")
	f.mu.Lock()
	f.bulk = acks
	f.mu.Unlock()
	return nil
}

func lastNotice(s State) Notice {
	if len(s.Notices) == 0 {
		return Notice{}
	}
	return s.Notices[len(s.Notices)-1]
}

func lotWithSubprocesses(n int) models.ProductionLot {
	lot := models.ProductionLot{ID: 7, LotNumber: "LOT-7", Status: models.LotInProgress, Quantity: 10}
	for i := 0; i < n; i++ {
		lot.Subprocesses = append(lot.Subprocesses, models.ProcessSubprocessSelection{ProcessSubprocessID: 100 + i, SubprocessName: "Cut"})
	}
	return lot
}

func TestLoadReady(t *testing.T) {
	api := newFake(lotWithSubprocesses(1), models.InventoryAlert{AlertID: 1, Severity: "WARNING"})
	api.opts = map[int]variants.Options{100: {Groups: []variants.Group{}, Standalone: []variants.Option{{VariantID: 3}}}}
	c := New(api, 7, Options{})

	require.NoError(t, c.Load(context.Background()))
	s := c.State()
	assert.Equal(t, Ready, s.Phase)
	require.NotNil(t, s.Lot)
	assert.Equal(t, "LOT-7", s.Lot.LotNumber)
	assert.Len(t, s.Alerts, 1)
	assert.Contains(t, s.VariantOptions, 100)
}

func TestLoadAlertFailureDegradesToEmpty(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	api.alertErr = errors.New("alerts down")
	api.optsErr = errors.New("options down")
	c := New(api, 7, Options{})

	require.NoError(t, c.Load(context.Background()))
	s := c.State()
	assert.Equal(t, Ready, s.Phase)
	assert.NotNil(t, s.Alerts)
	assert.Empty(t, s.Alerts)
}

func TestLoadLotFailure(t *testing.T) {
	api := newFake(models.ProductionLot{})
	api.lotErr = &apiclient.APIError{Status: http.StatusNotFound, Message: "Production lot not found"}
	c := New(api, 7, Options{})

	err := c.Load(context.Background())
	require.Error(t, err)
	s := c.State()
	assert.Equal(t, Failed, s.Phase)
	assert.Equal(t, Notice{Kind: NoticeError, Message: "Production lot not found"}, lastNotice(s))
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	api := newFake(models.ProductionLot{})
	release := make(chan struct{})
	first := make(chan struct{})
	var n int
	var mu sync.Mutex
	api.getLot = func(ctx context.Context) (models.ProductionLot, error) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		if call == 1 {
			close(first)
			<-release
			return models.ProductionLot{ID: 7, LotNumber: "OLD"}, nil
		}
		return models.ProductionLot{ID: 7, LotNumber: "NEW"}, nil
	}
	c := New(api, 7, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background()) }()
	<-first
	require.NoError(t, c.Load(context.Background()))
	close(release)
	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, "NEW", c.State().Lot.LotNumber)
}

func TestFinalizeWithoutSubprocessesMakesNoCall(t *testing.T) {
	api := newFake(lotWithSubprocesses(0))
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	err := c.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNoSubprocesses)
	assert.Equal(t, 0, api.count("finalize"))
	assert.Equal(t, MsgNoSubprocesses, lastNotice(c.State()).Message)
}

func TestFinalizeRefusedWithPendingCritical(t *testing.T) {
	api := newFake(lotWithSubprocesses(1), models.InventoryAlert{AlertID: 1, Severity: "CRITICAL", Status: "PENDING"})
	c := New(api, 7, Options{})

	err := c.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrCriticalAlerts)
	assert.Equal(t, 0, api.count("finalize"))
}

func TestFinalizeCallsBackendAndReloads(t *testing.T) {
	api := newFake(lotWithSubprocesses(2), models.InventoryAlert{AlertID: 1, Severity: "CRITICAL", Status: "ACKNOWLEDGED"})
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	require.NoError(t, c.Finalize(context.Background()))
	assert.Equal(t, 1, api.count("finalize"))
	assert.Equal(t, 2, api.count("get"))
	assert.Equal(t, MsgLotFinalized, lastNotice(c.State()).Message)
}

func TestFinalizeDisabled(t *testing.T) {
	tests := []struct {
		name   string
		alerts []models.InventoryAlert
		want   bool
	}{
		{"no alerts", nil, false},
		{"warning only", []models.InventoryAlert{{Severity: "WARNING", Status: "PENDING"}}, false},
		{"critical pending", []models.InventoryAlert{{Severity: "CRITICAL", Status: "PENDING"}}, true},
		{"critical acknowledged", []models.InventoryAlert{{Severity: "CRITICAL", Status: "ACKNOWLEDGED"}}, false},
		{"critical legacy resolved", []models.InventoryAlert{{Severity: "critical", Status: "resolved"}}, false},
		{"one of two pending", []models.InventoryAlert{
			{Severity: "CRITICAL", Status: "ACKNOWLEDGED"},
			{Severity: "CRITICAL", Status: ""},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalizeDisabled(State{Alerts: tt.alerts}))
		})
	}
}

func TestBulkAcknowledgeFlipsExactlySelected(t *testing.T) {
	alerts := []models.InventoryAlert{
		{AlertID: 1, Severity: "CRITICAL", Status: "PENDING"},
		{AlertID: 2, Severity: "CRITICAL", Status: "PENDING"},
		{AlertID: 3, Severity: "WARNING", Status: "PENDING"},
		{AlertID: 4, Severity: "CRITICAL", Status: "PENDING"},
		{AlertID: 5, Severity: "WARNING", Status: "ACKNOWLEDGED", UserAction: "DELAY"},
	}
	api := newFake(lotWithSubprocesses(1), alerts...)
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	err := c.BulkAcknowledge(context.Background(), []AckSelection{
		{AlertID: 1, UserAction: "PROCEED"},
		{AlertID: 2, UserAction: "USE_SUBSTITUTE", ActionNotes: "use blue"},
		{AlertID: 3},
		{AlertID: 5, UserAction: "CANCEL"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, api.count("bulk_ack"))
	require.Len(t, api.bulk, 3)
	assert.Equal(t, "PROCEED", api.bulk[2].UserAction)

	s := c.State()
	for _, a := range s.Alerts {
		switch a.AlertID {
		case 1, 2, 3:
			assert.True(t, a.IsAcknowledged(), "alert %d", a.AlertID)
		case 4:
			assert.False(t, a.IsAcknowledged())
		case 5:
			assert.Equal(t, "DELAY", a.UserAction)
		}
	}
	a2, _ := s.Alert(2)
	assert.Equal(t, "use blue", a2.ActionNotes)
	// Still disabled: alert 4 is CRITICAL and pending. No reload happened.
	assert.True(t, FinalizeDisabled(s))
	assert.Equal(t, 1, api.count("get"))
}

func TestBulkAcknowledgeRejectsUnknownAction(t *testing.T) {
	api := newFake(lotWithSubprocesses(1), models.InventoryAlert{AlertID: 1, Status: "PENDING"})
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	err := c.BulkAcknowledge(context.Background(), []AckSelection{{AlertID: 1, UserAction: "IGNORE"}})
	require.Error(t, err)
	assert.Equal(t, 0, api.count("bulk_ack"))
	assert.Contains(t, c.State().FieldErrors, "action_1")
}

func TestAcknowledgeIsOptimistic(t *testing.T) {
	api := newFake(lotWithSubprocesses(1), models.InventoryAlert{AlertID: 9, Severity: "CRITICAL", Status: "PENDING"})
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	require.NoError(t, c.Acknowledge(context.Background(), 9, "PARTIAL_FULFILLMENT", "ship 5"))
	s := c.State()
	assert.False(t, FinalizeDisabled(s))
	assert.Equal(t, Ready, s.Phase)
	assert.Equal(t, 1, api.count("get"))
}

func TestAcknowledgeSkipsAcknowledgedAndForeignAlerts(t *testing.T) {
	api := newFake(lotWithSubprocesses(1),
		models.InventoryAlert{AlertID: 1, Severity: "CRITICAL", Status: "ACKNOWLEDGED", UserAction: "DELAY"})
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	for _, id := range []int{1, 999} {
		require.NoError(t, c.Acknowledge(context.Background(), id, "CANCEL", ""))
		assert.Equal(t, Notice{Kind: NoticeWarning, Message: MsgNothingSelected}, lastNotice(c.State()), "alert %d", id)
	}
	assert.Equal(t, 0, api.count("ack"))
	a, _ := c.State().Alert(1)
	assert.Equal(t, "DELAY", a.UserAction)
	assert.Equal(t, Ready, c.State().Phase)
}

func TestDeleteConflictMessage(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	api.deleteErr = &apiclient.APIError{Status: http.StatusBadRequest, Code: apiclient.CodeConflict, Message: "conflict"}
	c := New(api, 7, Options{})

	require.Error(t, c.DeleteLot(context.Background()))
	assert.Equal(t, MsgDeleteConflict, lastNotice(c.State()).Message)
	assert.False(t, c.State().Deleted)
}

func TestEditLotValidatesBeforeCalling(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	c := New(api, 7, Options{})

	err := c.EditLot(context.Background(), models.LotUpdate{Quantity: 0, Status: "exploded"})
	require.Error(t, err)
	s := c.State()
	assert.Equal(t, EditingLot, s.Phase)
	assert.Contains(t, s.FieldErrors, "quantity")
	assert.Contains(t, s.FieldErrors, "status")
	assert.Equal(t, 0, api.count("update"))

	require.NoError(t, c.EditLot(context.Background(), models.LotUpdate{Quantity: 5, Status: "completed"}))
	assert.Equal(t, 1, api.count("update"))
	assert.Equal(t, Ready, c.State().Phase)
	assert.Empty(t, c.State().FieldErrors)
}

func TestAddSubprocessFieldErrors(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	c := New(api, 7, Options{})

	require.Error(t, c.AddSubprocess(context.Background(), 3))
	s := c.State()
	assert.Equal(t, "already attached", s.FieldErrors["subprocess_id"])
	assert.Equal(t, "Invalid subprocess", lastNotice(s).Message)
}

func TestVariantOptionsTimeoutIsNotCached(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	api.subOpts = func(ctx context.Context, psid int) (variants.Options, error) {
		<-ctx.Done()
		return variants.Options{}, ctx.Err()
	}
	c := New(api, 7, Options{VariantTimeout: 20 * time.Millisecond})

	opts := c.VariantOptions(context.Background(), 100)
	assert.Equal(t, MsgVariantTimeout, opts.Error)
	assert.True(t, opts.IsEmpty())
	assert.NotContains(t, c.State().VariantOptions, 100)

	c.VariantOptions(context.Background(), 100)
	assert.Equal(t, 2, api.count("sub_options"))
}

func TestSaveVariantsSendsUnion(t *testing.T) {
	api := newFake(lotWithSubprocesses(1))
	api.subOpts = func(ctx context.Context, psid int) (variants.Options, error) {
		return variants.Options{
			Groups:     []variants.Group{{GroupID: 1, Variants: []variants.Option{{VariantID: 10}, {VariantID: 11}}}},
			Standalone: []variants.Option{{VariantID: 20}, {VariantID: 21}},
		}, nil
	}
	c := New(api, 7, Options{})

	require.NoError(t, c.SaveVariants(context.Background(), 100, map[int]int{1: 11}, []int{21, 21, 20}))
	assert.Equal(t, []int{11, 21, 20}, api.saved)
	assert.Equal(t, 1, api.count("sub_options"))
	assert.Equal(t, Ready, c.State().Phase)
}

func TestAttachReplacesSubscriptions(t *testing.T) {
	api := newFake(lotWithSubprocesses(1), models.InventoryAlert{AlertID: 4})
	c := New(api, 7, Options{})
	require.NoError(t, c.Load(context.Background()))

	hub := events.NewHub(nil, nil)
	c.Attach(context.Background(), hub)
	c.Attach(context.Background(), hub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, time.Millisecond)

	hub.PublishChange("production_lot", "updated", 8)
	assert.False(t, c.State().Stale)
	hub.PublishChange("alert", "acknowledged", []int{4})
	assert.True(t, c.State().Stale)

	c.Detach()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	st := NewStore(State{Alerts: []models.InventoryAlert{{AlertID: 1}}})
	var seen []Phase
	cancel := st.Subscribe(func(s State) { seen = append(seen, s.Phase) })

	snap := st.State()
	snap.Alerts[0].Status = "ACKNOWLEDGED"
	assert.Empty(t, st.State().Alerts[0].Status)

	st.Dispatch(phase(Loading))
	st.Dispatch(phase(Ready))
	cancel()
	st.Dispatch(phase(Failed))
	assert.Equal(t, []Phase{Loading, Ready}, seen)
}

func TestResolveLotID(t *testing.T) {
	tests := []struct {
		name string
		src  Sources
		want int
		err  error
	}{
		{"global wins", Sources{Global: "3", Query: url.Values{"id": {"4"}}}, 3, nil},
		{"query id", Sources{Query: url.Values{"id": {"4"}}, DataAttr: "5"}, 4, nil},
		{"query lot_id", Sources{Query: url.Values{"lot_id": {"6"}}}, 6, nil},
		{"data attribute", Sources{Query: url.Values{"id": {"x"}}, DataAttr: "5"}, 5, nil},
		{"path", Sources{Path: "/upf/production-lots/12/edit"}, 12, nil},
		{"last numeric segment", Sources{Path: "/lots/view/44"}, 44, nil},
		{"nothing", Sources{Path: "/upf/production-lots"}, 0, ErrNoLotID},
		{"non positive", Sources{Global: "0", Query: url.Values{"id": {"-2"}}}, 0, ErrNoLotID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveLotID(tt.src)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
