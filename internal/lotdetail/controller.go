// Package lotdetail drives the production lot detail page: loading the lot
// and its alerts, editing, finalizing, variant selection and alert
// acknowledgment, with every change flowing through a Store.
package lotdetail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upfweb/internal/apiclient"
	"upfweb/internal/events"
	"upfweb/internal/models"
	"upfweb/internal/upf"
	"upfweb/internal/validation"
	"upfweb/internal/variants"
)

var (
	// ErrNoSubprocesses refuses finalizing an empty lot.
	ErrNoSubprocesses = errors.New("lotdetail: production lot has no subprocesses")
	// ErrCriticalAlerts refuses finalizing while CRITICAL alerts are pending.
	ErrCriticalAlerts = errors.New("lotdetail: critical alerts not acknowledged")
	// ErrSuperseded is returned by a load whose results were discarded
	// because a newer load started.
	ErrSuperseded = errors.New("lotdetail: load superseded")
	// ErrNotLoaded is returned by actions that need a loaded lot.
	ErrNotLoaded = errors.New("lotdetail: production lot not loaded")
)

// User-facing messages.
const (
	MsgDeleteConflict    = "Cannot delete: lot has active subprocesses"
	MsgNoSubprocesses    = "Cannot finalize: production lot has no subprocesses"
	MsgCriticalPending   = "Cannot finalize: acknowledge all critical inventory alerts first"
	MsgLoadFailed        = "Failed to load production lot"
	MsgVariantTimeout    = "Timed out loading variant options"
	MsgVariantFailed     = "Failed to load variant options"
	MsgNothingSelected   = "No pending alerts selected"
	MsgLotUpdated        = "Production lot updated"
	MsgLotDeleted        = "Production lot deleted"
	MsgLotFinalized      = "Production lot finalized"
	MsgCostsRecalculated = "Costs recalculated"
	MsgSubprocessAdded   = "Subprocess added"
	MsgVariantsSaved     = "Variant selection saved"
)

// AckSelection is one alert decision taken on the page.
type AckSelection = upf.Acknowledgment

// API is the subset of the UPF client the controller uses.
type API interface {
	GetProductionLot(ctx context.Context, id int) (models.ProductionLot, error)
	LotAlerts(ctx context.Context, lotID int) ([]models.InventoryAlert, error)
	LotVariantOptions(ctx context.Context, lotID int) (map[int]variants.Options, error)
	SubprocessVariantOptions(ctx context.Context, processSubprocessID int) (variants.Options, error)
	UpdateProductionLot(ctx context.Context, id int, in models.LotUpdate) error
	DeleteProductionLot(ctx context.Context, id int) error
	FinalizeProductionLot(ctx context.Context, id int) error
	RecalculateProductionLot(ctx context.Context, id int) error
	AddLotSubprocess(ctx context.Context, lotID, subprocessID int) error
	SetSubprocessVariants(ctx context.Context, lotID, processSubprocessID int, variantIDs []int) error
	AcknowledgeAlert(ctx context.Context, lotID int, ack upf.Acknowledgment) error
	BulkAcknowledgeAlerts(ctx context.Context, lotID int, acks []upf.Acknowledgment) error
}

// Subscriber is the event source Attach listens to.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, fn func(events.Event))
}

// Options tunes a Controller.
type Options struct {
	// VariantTimeout bounds a single variant-option fetch. Zero means 5s.
	VariantTimeout time.Duration
	Logger         *zap.Logger
}

// Controller owns one lot's page state.
type Controller struct {
	api            API
	store          *Store
	log            *zap.Logger
	variantTimeout time.Duration
	gen            atomic.Uint64

	mu     sync.Mutex
	detach context.CancelFunc
}

// New returns a controller for lotID in the Uninitialized phase.
func New(api API, lotID int, opts Options) *Controller {
	if opts.VariantTimeout <= 0 {
		opts.VariantTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		api:            api,
		store:          NewStore(State{LotID: lotID}),
		log:            log.With(zap.Int("lot_id", lotID)),
		variantTimeout: opts.VariantTimeout,
	}
}

// Store exposes the state store for rendering and subscriptions.
func (c *Controller) Store() *Store { return c.store }

// State is shorthand for Store().State().
func (c *Controller) State() State { return c.store.State() }

func (c *Controller) lotID() int { return c.store.State().LotID }

// Load fetches the lot and its alerts in parallel, then enriches the state
// with the lot's variant options. An alert failure degrades to no alerts and
// an enrichment failure is only logged; a lot failure moves to Failed.
func (c *Controller) Load(ctx context.Context) error {
	gen := c.gen.Add(1)
	id := c.lotID()
	c.store.Dispatch(startLoad(gen))

	var (
		lot    models.ProductionLot
		alerts []models.InventoryAlert
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lot, err = c.api.GetProductionLot(gctx, id)
		return err
	})
	g.Go(func() error {
		a, err := c.api.LotAlerts(gctx, id)
		if err != nil {
			c.log.Warn("loading lot alerts failed", zap.Error(err))
			a = []models.InventoryAlert{}
		}
		alerts = a
		return nil
	})
	if err := g.Wait(); err != nil {
		if c.gen.Load() != gen {
			return ErrSuperseded
		}
		c.log.Error("loading production lot failed", zap.Error(err))
		c.store.Dispatch(loadFailed(gen, err, apiclient.MessageOf(err, MsgLoadFailed)))
		return fmt.Errorf("lotdetail: load lot %d: %w", id, err)
	}
	if c.gen.Load() != gen {
		return ErrSuperseded
	}
	c.store.Dispatch(loaded(gen, lot, alerts))

	opts, err := c.api.LotVariantOptions(ctx, id)
	if err != nil {
		c.log.Debug("lot variant options unavailable", zap.Error(err))
		return nil
	}
	if c.gen.Load() != gen {
		return ErrSuperseded
	}
	c.store.Dispatch(enriched(gen, opts))
	return nil
}

func (c *Controller) ensureLoaded(ctx context.Context) (State, error) {
	s := c.store.State()
	if s.Lot != nil && s.Phase != Failed {
		return s, nil
	}
	if err := c.Load(ctx); err != nil {
		return c.store.State(), err
	}
	s = c.store.State()
	if s.Lot == nil {
		return s, ErrNotLoaded
	}
	return s, nil
}

// reload refreshes after a successful write. A failing reload is already
// reflected in state, so the write is still reported as done.
func (c *Controller) reload(ctx context.Context) {
	if err := c.Load(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		c.log.Warn("reload after change failed", zap.Error(err))
	}
}

// fail records err as a toast (and field errors when the backend sent
// any) and returns it.
func (c *Controller) fail(err error, fallback string, back Phase) error {
	msg := apiclient.MessageOf(err, fallback)
	c.store.Dispatch(func(s State) State {
		if ve := validation.FromAPIError(err); ve.HasErrors() {
			s = fieldErrors(ve.ByField())(s)
		}
		s.Phase = back
		return notice(NoticeError, msg)(s)
	})
	return err
}

// EditLot validates and saves quantity, status and notes, then reloads.
// Nothing is applied locally before the backend accepts the change.
func (c *Controller) EditLot(ctx context.Context, upd models.LotUpdate) error {
	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveFloat(ve, "quantity", upd.Quantity)
	validation.ValidateMaxQuantity(ve, "quantity", upd.Quantity)
	if !slices.Contains(validation.LegacyLotStatuses, upd.Status) {
		validation.ValidateEnum(ve, "status", upd.Status, validation.ValidLotStatuses)
	}
	validation.ValidateMaxLength(ve, "notes", upd.Notes, validation.MaxNotesLength)
	if ve.HasErrors() {
		c.store.Dispatch(func(s State) State {
			s = fieldErrors(ve.ByField())(s)
			s.Phase = EditingLot
			return notice(NoticeError, "Please correct the highlighted fields")(s)
		})
		return ve
	}
	c.store.Dispatch(phase(EditingLot))
	if err := c.api.UpdateProductionLot(ctx, c.lotID(), upd); err != nil {
		return c.fail(err, "Failed to update production lot", EditingLot)
	}
	c.reload(ctx)
	c.store.Dispatch(notice(NoticeSuccess, MsgLotUpdated))
	return nil
}

// DeleteLot deletes the lot. A conflict means the lot still has active
// subprocesses.
func (c *Controller) DeleteLot(ctx context.Context) error {
	if err := c.api.DeleteProductionLot(ctx, c.lotID()); err != nil {
		if apiclient.IsConflict(err) || apiclient.CodeOf(err) == apiclient.CodeConflict {
			c.store.Dispatch(notice(NoticeError, MsgDeleteConflict))
			return err
		}
		return c.fail(err, "Failed to delete production lot", Ready)
	}
	c.store.Dispatch(func(s State) State {
		return notice(NoticeSuccess, MsgLotDeleted)(deleted(s))
	})
	return nil
}

// Finalize finalizes the lot. An empty lot or one with pending critical
// alerts is refused without calling the backend.
func (c *Controller) Finalize(ctx context.Context) error {
	s, err := c.ensureLoaded(ctx)
	if err != nil {
		return err
	}
	if len(s.Lot.Subprocesses) == 0 {
		c.store.Dispatch(notice(NoticeError, MsgNoSubprocesses))
		return ErrNoSubprocesses
	}
	if FinalizeDisabled(s) {
		c.store.Dispatch(notice(NoticeError, MsgCriticalPending))
		return ErrCriticalAlerts
	}
	if err := c.api.FinalizeProductionLot(ctx, s.LotID); err != nil {
		return c.fail(err, "Failed to finalize production lot", Ready)
	}
	c.reload(ctx)
	c.store.Dispatch(notice(NoticeSuccess, MsgLotFinalized))
	return nil
}

// Recalculate asks the backend to recompute costs, then reloads.
func (c *Controller) Recalculate(ctx context.Context) error {
	if err := c.api.RecalculateProductionLot(ctx, c.lotID()); err != nil {
		return c.fail(err, "Failed to recalculate costs", Ready)
	}
	c.reload(ctx)
	c.store.Dispatch(notice(NoticeSuccess, MsgCostsRecalculated))
	return nil
}

// AddSubprocess attaches a library subprocess to the lot.
func (c *Controller) AddSubprocess(ctx context.Context, subprocessID int) error {
	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveInt(ve, "subprocess_id", subprocessID)
	if ve.HasErrors() {
		c.store.Dispatch(func(s State) State {
			return notice(NoticeError, "Select a subprocess")(fieldErrors(ve.ByField())(s))
		})
		return ve
	}
	if err := c.api.AddLotSubprocess(ctx, c.lotID(), subprocessID); err != nil {
		return c.fail(err, "Failed to add subprocess", Ready)
	}
	c.reload(ctx)
	c.store.Dispatch(notice(NoticeSuccess, MsgSubprocessAdded))
	return nil
}

// VariantOptions returns the options for one subprocess of the lot, from
// state when already known. The fetch is bounded by the variant timeout;
// a timeout or failure yields an option set carrying the error, which is
// not remembered so the next call tries again.
func (c *Controller) VariantOptions(ctx context.Context, processSubprocessID int) variants.Options {
	c.store.Dispatch(func(s State) State {
		s.Phase = EditingSubprocessVariants
		s.Editing = processSubprocessID
		return s
	})
	if opts, ok := c.store.State().VariantOptions[processSubprocessID]; ok && opts.Error == "" {
		return opts
	}

	tctx, cancel := context.WithTimeout(ctx, c.variantTimeout)
	defer cancel()
	type result struct {
		opts variants.Options
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		o, err := c.api.SubprocessVariantOptions(tctx, processSubprocessID)
		ch <- result{o, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-tctx.Done():
		res.err = tctx.Err()
	}
	if res.err != nil {
		msg := apiclient.MessageOf(res.err, MsgVariantFailed)
		if errors.Is(res.err, context.DeadlineExceeded) {
			msg = MsgVariantTimeout
		}
		c.log.Warn("variant options failed",
			zap.Int("process_subprocess_id", processSubprocessID),
			zap.Error(res.err))
		return variants.Empty(msg)
	}
	c.store.Dispatch(cacheOptions(processSubprocessID, res.opts))
	return res.opts
}

// SaveVariants saves the union of the chosen group variants and standalone
// variants for one subprocess, then reloads.
func (c *Controller) SaveVariants(ctx context.Context, processSubprocessID int, groupSelections map[int]int, standalone []int) error {
	opts := c.VariantOptions(ctx, processSubprocessID)
	if opts.Error != "" {
		c.store.Dispatch(notice(NoticeError, opts.Error))
		return errors.New(opts.Error)
	}
	ids := variants.Union(opts, groupSelections, standalone)
	if err := c.api.SetSubprocessVariants(ctx, c.lotID(), processSubprocessID, ids); err != nil {
		return c.fail(err, "Failed to save variant selection", EditingSubprocessVariants)
	}
	c.reload(ctx)
	c.store.Dispatch(notice(NoticeSuccess, MsgVariantsSaved))
	return nil
}

func normalizeAck(ve *validation.ValidationErrors, a AckSelection) AckSelection {
	if a.UserAction == "" {
		a.UserAction = "PROCEED"
	}
	field := fmt.Sprintf("action_%d", a.AlertID)
	validation.ValidateEnum(ve, field, a.UserAction, validation.ValidAlertActions)
	validation.ValidateMaxLength(ve, fmt.Sprintf("notes_%d", a.AlertID), a.ActionNotes, validation.MaxNotesLength)
	return a
}

// Acknowledge records a decision for one alert and flips it locally without
// reloading. An alert that is not on the loaded lot, or is already
// acknowledged, is never sent.
func (c *Controller) Acknowledge(ctx context.Context, alertID int, action, notes string) error {
	if a, ok := c.store.State().Alert(alertID); !ok || a.IsAcknowledged() {
		c.store.Dispatch(notice(NoticeWarning, MsgNothingSelected))
		return nil
	}
	ve := &validation.ValidationErrors{}
	ack := normalizeAck(ve, AckSelection{AlertID: alertID, UserAction: action, ActionNotes: notes})
	if ve.HasErrors() {
		c.store.Dispatch(func(s State) State {
			return notice(NoticeError, ve.Error())(fieldErrors(ve.ByField())(s))
		})
		return ve
	}
	c.store.Dispatch(phase(Acknowledging))
	if err := c.api.AcknowledgeAlert(ctx, c.lotID(), ack); err != nil {
		return c.fail(err, "Failed to acknowledge alert", Ready)
	}
	c.store.Dispatch(func(s State) State {
		s = acknowledged(map[int]AckSelection{alertID: ack})(s)
		return notice(NoticeSuccess, "Alert acknowledged")(s)
	})
	return nil
}

// BulkAcknowledge records decisions for several alerts in one call.
// Selections naming unknown or already acknowledged alerts are ignored;
// exactly the remaining alerts are flipped once the backend accepts.
func (c *Controller) BulkAcknowledge(ctx context.Context, sels []AckSelection) error {
	s := c.store.State()
	ve := &validation.ValidationErrors{}
	pending := make(map[int]AckSelection, len(sels))
	acks := make([]AckSelection, 0, len(sels))
	for _, sel := range sels {
		a, ok := s.Alert(sel.AlertID)
		if !ok || a.IsAcknowledged() {
			continue
		}
		if _, dup := pending[sel.AlertID]; dup {
			continue
		}
		sel = normalizeAck(ve, sel)
		pending[sel.AlertID] = sel
		acks = append(acks, sel)
	}
	if ve.HasErrors() {
		c.store.Dispatch(func(s State) State {
			return notice(NoticeError, ve.Error())(fieldErrors(ve.ByField())(s))
		})
		return ve
	}
	if len(acks) == 0 {
		c.store.Dispatch(notice(NoticeWarning, MsgNothingSelected))
		return nil
	}
	c.store.Dispatch(phase(Acknowledging))
	if err := c.api.BulkAcknowledgeAlerts(ctx, s.LotID, acks); err != nil {
		return c.fail(err, "Failed to acknowledge alerts", Ready)
	}
	c.store.Dispatch(func(s State) State {
		s = acknowledged(pending)(s)
		return notice(NoticeSuccess, fmt.Sprintf("%d alert(s) acknowledged", len(acks)))(s)
	})
	return nil
}

// Attach subscribes to change events concerning this lot, marking the
// state stale when one arrives. Calling Attach again replaces the previous
// subscriptions; Detach removes them.
func (c *Controller) Attach(ctx context.Context, src Subscriber) {
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
	}
	sctx, cancel := context.WithCancel(ctx)
	c.detach = cancel
	c.mu.Unlock()

	id := c.lotID()
	src.Subscribe(sctx, "production_lot:*", func(e events.Event) {
		if sctx.Err() == nil && eventNames(e.ID, id) {
			c.store.Dispatch(markStale)
		}
	})
	src.Subscribe(sctx, "alert:acknowledged", func(e events.Event) {
		if sctx.Err() != nil {
			return
		}
		s := c.store.State()
		for _, a := range s.Alerts {
			if eventNames(e.ID, a.AlertID) {
				c.store.Dispatch(markStale)
				return
			}
		}
	})
}

// Detach drops the subscriptions made by Attach.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

// eventNames reports whether an event id (a number, or a list of numbers
// for bulk changes) refers to id.
func eventNames(v any, id int) bool {
	switch x := v.(type) {
	case int:
		return x == id
	case float64:
		return int(x) == id
	case []int:
		return slices.Contains(x, id)
	case []any:
		for _, e := range x {
			if eventNames(e, id) {
				return true
			}
		}
	}
	return false
}
