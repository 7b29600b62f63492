// Package variants normalizes the variant-option payloads the backend has
// produced over time into one canonical structure.
package variants

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"upfweb/internal/models"
)

// Option is one selectable material variant.
type Option struct {
	VariantID   int     `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	VariantSKU  string  `json:"variant_sku"`
	Quantity    float64          `json:"quantity,omitempty"`
	CostPerUnit *decimal.Decimal `json:"cost_per_unit,omitempty"`
}

// Group is a substitute (OR) group: exactly one of Variants is active.
type Group struct {
	GroupID   int      `json:"group_id"`
	GroupName string   `json:"group_name"`
	Variants  []Option `json:"variants"`
}

// Options is the canonical variant-option set of one subprocess. Its JSON
// form is itself an accepted input shape, so normalizing it again is the
// identity.
type Options struct {
	Groups     []Group  `json:"or_groups"`
	Standalone []Option `json:"standalone_variants"`
	Error      string   `json:"error,omitempty"`
}

// Empty returns an option set carrying only an error message. The variant
// editor renders it instead of hanging on a failed load.
func Empty(msg string) Options {
	return Options{Groups: []Group{}, Standalone: []Option{}, Error: msg}
}

// IsEmpty reports whether there is nothing to choose from.
func (o Options) IsEmpty() bool {
	return len(o.Groups) == 0 && len(o.Standalone) == 0
}

// flexInt accepts 12 and "12".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("variants: bad id %q", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(int(n))
	return nil
}

// quoted unwraps a JSON string, reporting false for anything else.
func quoted(b []byte) (string, bool, error) {
	if len(b) == 0 || b[0] != '"' {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", true, err
	}
	return strings.TrimSpace(s), true, nil
}

// flexFloat accepts 2.5 and "2.5".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s, ok, err := quoted(b)
	if err != nil {
		return err
	}
	if !ok {
		s = string(b)
	}
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("variants: bad quantity %q", s)
	}
	*f = flexFloat(n)
	return nil
}

// flexDecimal accepts 12.5, "12.50", "" and null; the last two leave it
// unset.
type flexDecimal struct{ d *decimal.Decimal }

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s, ok, err := quoted(b)
	if err != nil {
		return err
	}
	if !ok {
		s = string(b)
	}
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("variants: bad cost %q", s)
	}
	f.d = &d
	return nil
}

type rawVariant struct {
	VariantID   flexInt `json:"variant_id"`
	ID          flexInt `json:"id"`
	VariantName string  `json:"variant_name"`
	Name        string  `json:"name"`
	FullName    string  `json:"full_name"`
	VariantSKU  string  `json:"variant_sku"`
	SKU         string      `json:"sku"`
	Quantity    flexFloat   `json:"quantity"`
	CostPerUnit flexDecimal `json:"cost_per_unit"`
}

func (r rawVariant) option() Option {
	o := Option{
		VariantID:   int(r.VariantID),
		VariantName: firstNonEmpty(r.VariantName, r.FullName, r.Name),
		VariantSKU:  firstNonEmpty(r.VariantSKU, r.SKU),
		Quantity:    float64(r.Quantity),
		CostPerUnit: r.CostPerUnit.d,
	}
	if o.VariantID == 0 {
		o.VariantID = int(r.ID)
	}
	return o
}

type rawGroup struct {
	GroupID   flexInt      `json:"group_id"`
	ID        flexInt      `json:"id"`
	GroupName string       `json:"group_name"`
	Name      string       `json:"name"`
	Variants  []rawVariant `json:"variants"`
}

func (r rawGroup) id() int {
	if r.GroupID != 0 {
		return int(r.GroupID)
	}
	return int(r.ID)
}

type rawOptions struct {
	ORGroups           []rawGroup              `json:"or_groups"`
	GroupedVariants    map[string][]rawVariant `json:"grouped_variants"`
	VariantGroups      []rawGroup              `json:"variant_groups"`
	StandaloneVariants []rawVariant            `json:"standalone_variants"`
	Variants           []rawVariant            `json:"variants"`
	Error              string                  `json:"error"`
}

// Normalize decodes any known variant-option payload, with or without the
// {success,data} envelope, into canonical Options.
func Normalize(raw []byte) (Options, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return Options{}, err
	}
	var ro rawOptions
	if err := json.Unmarshal(payload, &ro); err != nil {
		return Options{}, fmt.Errorf("variants: decode options: %w", err)
	}
	return ro.canonical(), nil
}

func (ro rawOptions) canonical() Options {
	b := newBuilder()
	for _, g := range ro.ORGroups {
		b.group(g.id(), firstNonEmpty(g.GroupName, g.Name), g.Variants)
	}
	for _, g := range ro.VariantGroups {
		b.group(g.id(), firstNonEmpty(g.GroupName, g.Name), g.Variants)
	}
	// grouped_variants is keyed by group id; groups missing from or_groups
	// are appended in ascending id order.
	keys := make([]int, 0, len(ro.GroupedVariants))
	byID := make(map[int][]rawVariant, len(ro.GroupedVariants))
	for k, vs := range ro.GroupedVariants {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, id)
		byID[id] = append(byID[id], vs...)
	}
	sort.Ints(keys)
	for _, id := range keys {
		b.group(id, "", byID[id])
	}

	standalone := ro.StandaloneVariants
	if len(standalone) == 0 && len(ro.ORGroups) == 0 && len(ro.VariantGroups) == 0 {
		standalone = ro.Variants
	}
	out := b.build()
	grouped := make(map[int]bool)
	for _, g := range out.Groups {
		for _, v := range g.Variants {
			grouped[v.VariantID] = true
		}
	}
	seen := make(map[int]bool)
	for _, rv := range standalone {
		o := rv.option()
		if o.VariantID == 0 || grouped[o.VariantID] || seen[o.VariantID] {
			continue
		}
		seen[o.VariantID] = true
		out.Standalone = append(out.Standalone, o)
	}
	out.Error = ro.Error
	return out
}

type builder struct {
	order  []int
	groups map[int]*Group
	seen   map[int]map[int]bool
}

func newBuilder() *builder {
	return &builder{groups: make(map[int]*Group), seen: make(map[int]map[int]bool)}
}

func (b *builder) group(id int, name string, vs []rawVariant) {
	g, ok := b.groups[id]
	if !ok {
		g = &Group{GroupID: id, GroupName: name, Variants: []Option{}}
		b.groups[id] = g
		b.seen[id] = make(map[int]bool)
		b.order = append(b.order, id)
	}
	if g.GroupName == "" {
		g.GroupName = name
	}
	for _, rv := range vs {
		o := rv.option()
		if o.VariantID == 0 || b.seen[id][o.VariantID] {
			continue
		}
		b.seen[id][o.VariantID] = true
		g.Variants = append(g.Variants, o)
	}
}

func (b *builder) build() Options {
	out := Options{Groups: make([]Group, 0, len(b.order)), Standalone: []Option{}}
	for _, id := range b.order {
		g := *b.groups[id]
		if g.GroupName == "" {
			g.GroupName = fmt.Sprintf("Group %d", g.GroupID)
		}
		out.Groups = append(out.Groups, g)
	}
	return out
}

// NormalizeLot decodes the lot-scoped variant-option payload into options
// keyed by process subprocess (link) id. Accepted shapes are
// {"subprocesses":[{"process_subprocess_id":..,"variant_options":{..}}]}
// and a bare object keyed by link id.
func NormalizeLot(raw []byte) (map[int]Options, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[int]Options)

	var listed struct {
		Subprocesses []struct {
			ProcessSubprocessID flexInt         `json:"process_subprocess_id"`
			VariantOptions      json.RawMessage `json:"variant_options"`
		} `json:"subprocesses"`
	}
	if err := json.Unmarshal(payload, &listed); err == nil && listed.Subprocesses != nil {
		for _, sp := range listed.Subprocesses {
			if sp.ProcessSubprocessID == 0 || len(sp.VariantOptions) == 0 {
				continue
			}
			opts, err := Normalize(sp.VariantOptions)
			if err != nil {
				return nil, err
			}
			out[int(sp.ProcessSubprocessID)] = opts
		}
		return out, nil
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keyed); err != nil {
		return nil, fmt.Errorf("variants: decode lot options: %w", err)
	}
	for k, v := range keyed {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		opts, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		out[id] = opts
	}
	return out, nil
}

func unwrap(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("variants: empty payload")
	}
	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if raw[0] == '{' && json.Unmarshal(raw, &env) == nil && env.Success != nil && len(env.Data) > 0 {
		return env.Data, nil
	}
	return raw, nil
}

// Selection is the editor's preselected state derived from current usage.
type Selection struct {
	// Groups maps group id to the selected variant id (0 for none).
	Groups map[int]int
	// Standalone holds the checked standalone variant ids.
	Standalone map[int]bool
}

// Preselect derives the editor state from the variants currently used by a
// subprocess selection. A group whose usage names no member has no choice.
func Preselect(o Options, usage []models.VariantUsage) Selection {
	used := make(map[int]bool, len(usage))
	for _, u := range usage {
		used[u.VariantID] = true
	}
	sel := Selection{Groups: make(map[int]int), Standalone: make(map[int]bool)}
	for _, g := range o.Groups {
		sel.Groups[g.GroupID] = 0
		for _, v := range g.Variants {
			if used[v.VariantID] {
				sel.Groups[g.GroupID] = v.VariantID
				break
			}
		}
	}
	for _, v := range o.Standalone {
		if used[v.VariantID] {
			sel.Standalone[v.VariantID] = true
		}
	}
	return sel
}

// Union returns the variant ids chosen across groups and standalone
// checkboxes, deduplicated, in group order then standalone order. A group
// choice that is not a member of its group, or a standalone id that is not
// offered, is dropped.
func Union(o Options, groupChoice map[int]int, standalone []int) []int {
	ids := []int{}
	seen := make(map[int]bool)
	add := func(id int) {
		if id == 0 || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, g := range o.Groups {
		choice := groupChoice[g.GroupID]
		for _, v := range g.Variants {
			if v.VariantID == choice {
				add(choice)
				break
			}
		}
	}
	offered := make(map[int]bool, len(o.Standalone))
	for _, v := range o.Standalone {
		offered[v.VariantID] = true
	}
	for _, id := range standalone {
		if offered[id] {
			add(id)
		}
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
