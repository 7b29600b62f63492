// Package upf is the Universal Process Framework API: processes,
// subprocesses, production lots, variant options and inventory alerts, with
// reads served from a TTL cache and writes publishing change events.
package upf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/cache"
	"upfweb/internal/config"
	"upfweb/internal/events"
	"upfweb/internal/models"
	"upfweb/internal/variants"
)

// payload is what the cache stores: the undecoded data document plus its
// pagination meta. Every reader decodes its own copy.
type payload struct {
	Data json.RawMessage
	Meta models.Meta
}

// Client is the cached UPF API.
type Client struct {
	api   *apiclient.Client
	cache *cache.Cache[payload]
	hub   *events.Hub
	ttl   config.CacheTTL
	log   *zap.Logger
}

// New builds a Client. hub and log may be nil.
func New(api *apiclient.Client, hub *events.Hub, ttl config.CacheTTL, log *zap.Logger, opts ...cache.Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		api:   api,
		cache: cache.New[payload](opts...),
		hub:   hub,
		ttl:   ttl,
		log:   log,
	}
}

// API exposes the underlying client for non-UPF calls.
func (c *Client) API() *apiclient.Client { return c.api }

// InvalidatePrefix drops cached reads of one resource class.
func (c *Client) InvalidatePrefix(prefix string) int { return c.cache.InvalidatePrefix(prefix) }

// ProcessQuery filters the process list server-side.
type ProcessQuery struct {
	Page    int
	PerPage int
	Status  string
	Search  string
}

func (q ProcessQuery) values() url.Values {
	v := url.Values{}
	setInt(v, "page", q.Page)
	setInt(v, "per_page", q.PerPage)
	setStr(v, "status", q.Status)
	setStr(v, "search", q.Search)
	return v
}

// LotQuery filters the production lot list server-side.
type LotQuery struct {
	Page      int
	PerPage   int
	Status    string
	ProcessID int
	Search    string
}

func (q LotQuery) values() url.Values {
	v := url.Values{}
	setInt(v, "page", q.Page)
	setInt(v, "per_page", q.PerPage)
	setStr(v, "status", q.Status)
	setInt(v, "process_id", q.ProcessID)
	setStr(v, "search", q.Search)
	return v
}

// ListProcesses returns one page of processes.
func (c *Client) ListProcesses(ctx context.Context, q ProcessQuery) (models.Page[models.Process], error) {
	var out models.Page[models.Process]
	vals := q.values()
	p, err := c.read(ctx, "processes:"+vals.Encode(), c.ttl.Processes, "upf/processes", vals)
	if err != nil {
		return out, err
	}
	out.Meta = p.Meta
	out.Items, err = decodeList[models.Process](p.Data, "processes", "items")
	return out, err
}

// GetProcess returns one process.
func (c *Client) GetProcess(ctx context.Context, id int) (models.Process, error) {
	var out models.Process
	err := c.readInto(ctx, key("process", id), c.ttl.Processes, fmt.Sprintf("upf/processes/%d", id), nil, &out, "process")
	return out, err
}

// ListSubprocesses returns the subprocess library.
func (c *Client) ListSubprocesses(ctx context.Context, search string) ([]models.Subprocess, error) {
	vals := url.Values{}
	setStr(vals, "search", search)
	p, err := c.read(ctx, "subprocesses:"+vals.Encode(), c.ttl.Subprocesses, "upf/subprocesses", vals)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Subprocess](p.Data, "subprocesses", "items")
}

// GetSubprocess returns one library subprocess.
func (c *Client) GetSubprocess(ctx context.Context, id int) (models.Subprocess, error) {
	var out models.Subprocess
	err := c.readInto(ctx, key("subprocess", id), c.ttl.Subprocesses, fmt.Sprintf("upf/subprocesses/%d", id), nil, &out, "subprocess")
	return out, err
}

// ListProductionLots returns one page of production lots.
func (c *Client) ListProductionLots(ctx context.Context, q LotQuery) (models.Page[models.ProductionLot], error) {
	var out models.Page[models.ProductionLot]
	vals := q.values()
	p, err := c.read(ctx, "production_lots:"+vals.Encode(), c.ttl.ProductionLots, "upf/production-lots", vals)
	if err != nil {
		return out, err
	}
	out.Meta = p.Meta
	out.Items, err = decodeList[models.ProductionLot](p.Data, "production_lots", "lots", "items")
	return out, err
}

// GetProductionLot returns one production lot with its subprocess
// selections.
func (c *Client) GetProductionLot(ctx context.Context, id int) (models.ProductionLot, error) {
	var out models.ProductionLot
	err := c.readInto(ctx, key("production_lot", id), c.ttl.ProductionLots, fmt.Sprintf("upf/production-lots/%d", id), nil, &out, "production_lot", "lot")
	return out, err
}

// LotAlerts returns the inventory alerts raised for a lot.
func (c *Client) LotAlerts(ctx context.Context, lotID int) ([]models.InventoryAlert, error) {
	p, err := c.read(ctx, fmt.Sprintf("alerts:lot:%d", lotID), c.ttl.Alerts, fmt.Sprintf("upf/inventory-alerts/lot/%d", lotID), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.InventoryAlert](p.Data, "alerts", "alerts_details", "items")
}

// LotVariantOptions returns the variant options of every subprocess of a
// lot, keyed by process subprocess id.
func (c *Client) LotVariantOptions(ctx context.Context, lotID int) (map[int]variants.Options, error) {
	p, err := c.read(ctx, key("lot_variant_options", lotID), c.ttl.VariantOptions, fmt.Sprintf("upf/production-lots/%d/variant-options", lotID), nil)
	if err != nil {
		return nil, err
	}
	return variants.NormalizeLot(p.Data)
}

// SubprocessVariantOptions returns the options of one process subprocess.
// Backends that predate the hyphenated route answer 404 there, so the
// legacy route is tried next.
func (c *Client) SubprocessVariantOptions(ctx context.Context, processSubprocessID int) (variants.Options, error) {
	p, err := c.cache.Fetch(ctx, key("variant_options", processSubprocessID), c.ttl.VariantOptions, func(ctx context.Context) (payload, error) {
		var p payload
		err := c.api.Do(ctx, apiclient.Request{
			Path: fmt.Sprintf("upf/subprocess/%d/variant-options", processSubprocessID),
			Out:  &p.Data,
		})
		if apiclient.StatusOf(err) == http.StatusNotFound {
			c.log.Debug("variant options: falling back to legacy route", zap.Int("process_subprocess_id", processSubprocessID))
			err = c.api.Do(ctx, apiclient.Request{
				Path: fmt.Sprintf("upf/process_subprocess/%d/variant_options", processSubprocessID),
				Out:  &p.Data,
			})
		}
		return p, err
	})
	if err != nil {
		return variants.Options{}, err
	}
	if len(p.Data) == 0 {
		return variants.Empty(""), nil
	}
	return variants.Normalize(p.Data)
}

// ProcessCosting returns the worst-case cost breakdown of a process.
func (c *Client) ProcessCosting(ctx context.Context, processID int) (models.CostBreakdown, error) {
	var out models.CostBreakdown
	err := c.readInto(ctx, key("costing", processID), c.ttl.Costing, fmt.Sprintf("upf/processes/%d/worst-case-costing", processID), nil, &out)
	return out, err
}

// CreateProcess creates a process.
func (c *Client) CreateProcess(ctx context.Context, in models.ProcessInput) (models.Process, error) {
	var out models.Process
	err := c.mutate(ctx, http.MethodPost, "upf/processes", in, &out, change{
		prefixes: []string{"processes:"},
		resource: "process", action: "created",
	}, func() any { return out.ID })
	return out, err
}

// UpdateProcess updates a process.
func (c *Client) UpdateProcess(ctx context.Context, id int, in models.ProcessInput) (models.Process, error) {
	var out models.Process
	err := c.mutate(ctx, http.MethodPut, fmt.Sprintf("upf/processes/%d", id), in, &out, change{
		prefixes: []string{"processes:"},
		keys:     []string{key("process", id), key("costing", id)},
		resource: "process", action: "updated", id: id,
	}, nil)
	return out, err
}

// DeleteProcess deletes a process.
func (c *Client) DeleteProcess(ctx context.Context, id int) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("upf/processes/%d", id), nil, nil, change{
		prefixes: []string{"processes:"},
		keys:     []string{key("process", id), key("costing", id)},
		resource: "process", action: "deleted", id: id,
	}, nil)
}

// CreateSubprocess adds a subprocess to the library.
func (c *Client) CreateSubprocess(ctx context.Context, in models.SubprocessInput) (models.Subprocess, error) {
	var out models.Subprocess
	err := c.mutate(ctx, http.MethodPost, "upf/subprocesses", in, &out, change{
		prefixes: []string{"subprocesses:"},
		resource: "subprocess", action: "created",
	}, func() any { return out.ID })
	return out, err
}

// UpdateSubprocess updates a library subprocess. Process costs derive from
// subprocess labor, so cached costings are dropped too.
func (c *Client) UpdateSubprocess(ctx context.Context, id int, in models.SubprocessInput) (models.Subprocess, error) {
	var out models.Subprocess
	err := c.mutate(ctx, http.MethodPut, fmt.Sprintf("upf/subprocesses/%d", id), in, &out, change{
		prefixes: []string{"subprocesses:", "costing:"},
		keys:     []string{key("subprocess", id)},
		resource: "subprocess", action: "updated", id: id,
	}, nil)
	return out, err
}

// DeleteSubprocess removes a library subprocess.
func (c *Client) DeleteSubprocess(ctx context.Context, id int) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("upf/subprocesses/%d", id), nil, nil, change{
		prefixes: []string{"subprocesses:", "costing:"},
		keys:     []string{key("subprocess", id)},
		resource: "subprocess", action: "deleted", id: id,
	}, nil)
}

// CreateProductionLot starts a lot for a process.
func (c *Client) CreateProductionLot(ctx context.Context, in models.LotInput) (models.ProductionLot, error) {
	var out models.ProductionLot
	err := c.mutate(ctx, http.MethodPost, "upf/production-lots", in, &out, change{
		prefixes: []string{"production_lots:"},
		resource: "production_lot", action: "created",
	}, func() any { return out.ID })
	return out, err
}

// UpdateProductionLot edits quantity, status and notes of a lot.
func (c *Client) UpdateProductionLot(ctx context.Context, id int, in models.LotUpdate) error {
	return c.mutate(ctx, http.MethodPut, fmt.Sprintf("upf/production-lots/%d", id), in, nil, lotChange(id, "updated"), nil)
}

// DeleteProductionLot deletes a lot. The backend refuses with a conflict
// while the lot has active subprocesses.
func (c *Client) DeleteProductionLot(ctx context.Context, id int) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("upf/production-lots/%d", id), nil, nil, lotChange(id, "deleted"), nil)
}

// FinalizeProductionLot finalizes a lot.
func (c *Client) FinalizeProductionLot(ctx context.Context, id int) error {
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/production-lots/%d/finalize", id), struct{}{}, nil, lotChange(id, "finalized"), nil)
}

// RecalculateProductionLot asks the backend to recompute lot costs.
func (c *Client) RecalculateProductionLot(ctx context.Context, id int) error {
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/production-lots/%d/recalculate", id), struct{}{}, nil, lotChange(id, "updated"), nil)
}

// AddLotSubprocess attaches a library subprocess to a lot.
func (c *Client) AddLotSubprocess(ctx context.Context, lotID, subprocessID int) error {
	body := map[string]int{"subprocess_id": subprocessID}
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/production-lots/%d/subprocesses", lotID), body, nil, lotChange(lotID, "updated"), nil)
}

// SetSubprocessVariants replaces the variants selected for one subprocess
// of a lot.
func (c *Client) SetSubprocessVariants(ctx context.Context, lotID, processSubprocessID int, variantIDs []int) error {
	if variantIDs == nil {
		variantIDs = []int{}
	}
	body := map[string]any{"process_subprocess_id": processSubprocessID, "variant_ids": variantIDs}
	ch := lotChange(lotID, "updated")
	ch.keys = append(ch.keys, key("variant_options", processSubprocessID))
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/production-lots/%d/variants", lotID), body, nil, ch, nil)
}

// Acknowledgment is one alert decision.
type Acknowledgment struct {
	AlertID     int    `json:"alert_id"`
	UserAction  string `json:"user_action"`
	ActionNotes string `json:"action_notes"`
}

// AcknowledgeAlert records the decision for a single alert of lotID.
func (c *Client) AcknowledgeAlert(ctx context.Context, lotID int, ack Acknowledgment) error {
	body := map[string]string{"user_action": ack.UserAction, "action_notes": ack.ActionNotes}
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/inventory-alerts/%d/acknowledge", ack.AlertID), body, nil, change{
		keys:     []string{fmt.Sprintf("alerts:lot:%d", lotID)},
		resource: "alert", action: "acknowledged", id: ack.AlertID,
	}, nil)
}

type bulkAckBody struct {
	AlertIDs        []int            `json:"alert_ids"`
	Acknowledgments []Acknowledgment `json:"acknowledgments"`
}

// BulkAcknowledgeAlerts records several decisions for one lot in a single
// call.
func (c *Client) BulkAcknowledgeAlerts(ctx context.Context, lotID int, acks []Acknowledgment) error {
	body := bulkAckBody{AlertIDs: make([]int, 0, len(acks)), Acknowledgments: acks}
	for _, a := range acks {
		body.AlertIDs = append(body.AlertIDs, a.AlertID)
	}
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("upf/inventory-alerts/lot/%d/acknowledge-bulk", lotID), body, nil, change{
		keys:     []string{fmt.Sprintf("alerts:lot:%d", lotID)},
		resource: "alert", action: "acknowledged", id: body.AlertIDs,
	}, nil)
}

type change struct {
	prefixes []string
	keys     []string
	resource string
	action   string
	id       any
}

func lotChange(id int, action string) change {
	return change{
		prefixes: []string{"production_lots:"},
		keys: []string{
			key("production_lot", id),
			key("lot_variant_options", id),
			fmt.Sprintf("alerts:lot:%d", id),
		},
		resource: "production_lot", action: action, id: id,
	}
}

// mutate performs a write, then drops the affected cache entries and
// publishes the change. idOf, when set, supplies the event id from the
// decoded response.
func (c *Client) mutate(ctx context.Context, method, path string, body, out any, ch change, idOf func() any) error {
	err := c.api.Do(ctx, apiclient.Request{
		Method:  method,
		Path:    path,
		Body:    body,
		Out:     out,
		NoRetry: method == http.MethodPost,
	})
	if err != nil {
		return err
	}
	for _, p := range ch.prefixes {
		c.cache.InvalidatePrefix(p)
	}
	for _, k := range ch.keys {
		c.cache.Invalidate(k)
	}
	id := ch.id
	if idOf != nil {
		id = idOf()
	}
	if c.hub != nil && ch.resource != "" {
		c.hub.PublishChange(ch.resource, ch.action, id)
	}
	c.log.Debug("upf change",
		zap.String("resource", ch.resource),
		zap.String("action", ch.action),
		zap.Any("id", id))
	return nil
}

func (c *Client) read(ctx context.Context, k string, ttl time.Duration, path string, q url.Values) (payload, error) {
	return c.cache.Fetch(ctx, k, ttl, func(ctx context.Context) (payload, error) {
		var p payload
		err := c.api.Do(ctx, apiclient.Request{Path: path, Query: q, Out: &p.Data, Meta: &p.Meta})
		return p, err
	})
}

// readInto decodes a single object, unwrapping one named wrapper key
// ({"process": {...}}) when the backend adds one.
func (c *Client) readInto(ctx context.Context, k string, ttl time.Duration, path string, q url.Values, out any, wrappers ...string) error {
	p, err := c.read(ctx, k, ttl, path, q)
	if err != nil {
		return err
	}
	data := p.Data
	if len(data) == 0 {
		return nil
	}
	if len(wrappers) > 0 && bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		var top map[string]json.RawMessage
		if json.Unmarshal(data, &top) == nil {
			for _, w := range wrappers {
				if inner, ok := top[w]; ok && bytes.HasPrefix(bytes.TrimSpace(inner), []byte("{")) {
					data = inner
					break
				}
			}
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &apiclient.APIError{Status: http.StatusOK, Code: apiclient.CodeInvalidResponse, Message: "Unexpected response from server", Body: p.Data}
	}
	return nil
}

// decodeList accepts a bare array or an object holding the array under one
// of keys.
func decodeList[T any](data json.RawMessage, keys ...string) ([]T, error) {
	out := []T{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	if trimmed[0] == '{' {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &top); err != nil {
			return nil, invalid(data)
		}
		trimmed = nil
		for _, k := range keys {
			if v, ok := top[k]; ok {
				trimmed = v
				break
			}
		}
		if trimmed == nil {
			return out, nil
		}
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, invalid(data)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func invalid(body []byte) error {
	return &apiclient.APIError{Status: http.StatusOK, Code: apiclient.CodeInvalidResponse, Message: "Unexpected response from server", Body: body}
}

func key(resource string, id int) string { return resource + ":" + strconv.Itoa(id) }

func setInt(v url.Values, k string, n int) {
	if n > 0 {
		v.Set(k, strconv.Itoa(n))
	}
}

func setStr(v url.Values, k, s string) {
	if s != "" {
		v.Set(k, s)
	}
}
