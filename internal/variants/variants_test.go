package variants

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upfweb/internal/models"
)

const currentShape = `{
  "success": true,
  "data": {
    "or_groups": [
      {"group_id": 10, "group_name": "Fabric"},
      {"group_id": 20, "group_name": "Thread"}
    ],
    "grouped_variants": {
      "20": [{"variant_id": 5, "variant_name": "Black Thread", "variant_sku": "TH-BLK"}],
      "10": [
        {"variant_id": 1, "variant_name": "Cotton Red", "variant_sku": "FAB-R"},
        {"variant_id": 2, "variant_name": "Cotton Blue", "variant_sku": "FAB-B"},
        {"variant_id": 1, "variant_name": "Cotton Red", "variant_sku": "FAB-R"}
      ]
    },
    "standalone_variants": [
      {"variant_id": 9, "variant_name": "Zipper", "variant_sku": "ZIP-1"}
    ]
  }
}`

const legacyShape = `{
  "variant_groups": [
    {"id": "10", "name": "Fabric", "variants": [
      {"id": 1, "full_name": "Cotton Red", "sku": "FAB-R"},
      {"id": 2, "full_name": "Cotton Blue", "sku": "FAB-B"}
    ]},
    {"group_id": 20, "group_name": "Thread", "variants": [
      {"variant_id": "5", "name": "Black Thread", "sku": "TH-BLK"}
    ]}
  ],
  "standalone_variants": [
    {"id": 9, "name": "Zipper", "sku": "ZIP-1"},
    {"id": 2, "name": "Cotton Blue", "sku": "FAB-B"}
  ]
}`

func TestLegacyAndCurrentShapesNormalizeIdentically(t *testing.T) {
	current, err := Normalize([]byte(currentShape))
	require.NoError(t, err)
	legacy, err := Normalize([]byte(legacyShape))
	require.NoError(t, err)

	assert.Equal(t, current, legacy)

	want := Options{
		Groups: []Group{
			{GroupID: 10, GroupName: "Fabric", Variants: []Option{
				{VariantID: 1, VariantName: "Cotton Red", VariantSKU: "FAB-R"},
				{VariantID: 2, VariantName: "Cotton Blue", VariantSKU: "FAB-B"},
			}},
			{GroupID: 20, GroupName: "Thread", Variants: []Option{
				{VariantID: 5, VariantName: "Black Thread", VariantSKU: "TH-BLK"},
			}},
		},
		Standalone: []Option{{VariantID: 9, VariantName: "Zipper", VariantSKU: "ZIP-1"}},
	}
	assert.Equal(t, want, current)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first, err := Normalize([]byte(currentShape))
	require.NoError(t, err)
	data, err := json.Marshal(first)
	require.NoError(t, err)
	second, err := Normalize(data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGroupedVariantsWithoutGroupHeader(t *testing.T) {
	opts, err := Normalize([]byte(`{"grouped_variants":{"7":[{"id":3,"name":"Steel"}],"4":[{"id":8,"name":"Brass"}]}}`))
	require.NoError(t, err)
	require.Len(t, opts.Groups, 2)
	assert.Equal(t, 4, opts.Groups[0].GroupID)
	assert.Equal(t, "Group 4", opts.Groups[0].GroupName)
	assert.Equal(t, 7, opts.Groups[1].GroupID)
	assert.Empty(t, opts.Standalone)
}

func TestBareVariantListIsStandalone(t *testing.T) {
	opts, err := Normalize([]byte(`{"variants":[{"id":1,"name":"A"},{"id":2,"name":"B"}]}`))
	require.NoError(t, err)
	assert.Empty(t, opts.Groups)
	assert.Len(t, opts.Standalone, 2)
}

func TestQuotedNumbersAndCosts(t *testing.T) {
	opts, err := Normalize([]byte(`{"variants":[
		{"id":1,"name":"A","quantity":"2.5","cost_per_unit":"12.50"},
		{"id":2,"name":"B","quantity":4,"cost_per_unit":3.2},
		{"id":3,"name":"C","quantity":"","cost_per_unit":null}
	]}`))
	require.NoError(t, err)
	require.Len(t, opts.Standalone, 3)

	a, b, c := opts.Standalone[0], opts.Standalone[1], opts.Standalone[2]
	assert.Equal(t, 2.5, a.Quantity)
	require.NotNil(t, a.CostPerUnit)
	assert.True(t, a.CostPerUnit.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 4.0, b.Quantity)
	require.NotNil(t, b.CostPerUnit)
	assert.Equal(t, "3.20", b.CostPerUnit.StringFixed(2))
	assert.Zero(t, c.Quantity)
	assert.Nil(t, c.CostPerUnit)

	// The canonical form keeps the cost.
	data, err := json.Marshal(opts)
	require.NoError(t, err)
	again, err := Normalize(data)
	require.NoError(t, err)
	require.NotNil(t, again.Standalone[0].CostPerUnit)
	assert.True(t, again.Standalone[0].CostPerUnit.Equal(*a.CostPerUnit))

	_, err = Normalize([]byte(`{"variants":[{"id":1,"quantity":"lots"}]}`))
	assert.Error(t, err)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize([]byte(``))
	assert.Error(t, err)
	_, err = Normalize([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestNormalizeLot(t *testing.T) {
	listed := `{"success":true,"data":{"subprocesses":[
		{"process_subprocess_id": 31, "variant_options": {"variant_groups":[{"group_id":1,"group_name":"G","variants":[{"id":4,"name":"V"}]}]}},
		{"process_subprocess_id": 32, "variant_options": {"standalone_variants":[{"variant_id":6,"variant_name":"S"}]}}
	]}}`
	got, err := NormalizeLot([]byte(listed))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[31].Groups[0].Variants[0].VariantID)
	assert.Equal(t, 6, got[32].Standalone[0].VariantID)

	keyed := `{"31": {"or_groups":[{"group_id":1,"group_name":"G","variants":[{"variant_id":4,"variant_name":"V"}]}]}}`
	got2, err := NormalizeLot([]byte(keyed))
	require.NoError(t, err)
	assert.Equal(t, got[31], got2[31])
}

func TestPreselectAndUnion(t *testing.T) {
	opts, err := Normalize([]byte(currentShape))
	require.NoError(t, err)

	sel := Preselect(opts, []models.VariantUsage{{VariantID: 2}, {VariantID: 9}})
	assert.Equal(t, 2, sel.Groups[10])
	assert.Equal(t, 0, sel.Groups[20])
	assert.True(t, sel.Standalone[9])

	ids := Union(opts, map[int]int{10: 1, 20: 5}, []int{9, 9, 42})
	assert.Equal(t, []int{1, 5, 9}, ids)

	// A choice that belongs to another group is ignored.
	ids = Union(opts, map[int]int{10: 5}, nil)
	assert.Equal(t, []int{}, ids)
}
