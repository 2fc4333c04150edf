package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/replenishly/stocksync/pkg/types"
)

// MalformedDataError marks a single source record that could not be
// normalized. It is record-level only: the record is logged and skipped,
// never fatal to the run.
type MalformedDataError struct {
	Reason string
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed source record: %s", e.Reason)
}

// fieldAliases maps every observed source spelling onto one canonical field.
// Keys are compared after canonicalKey, so "Reorder Point", "reorder-point"
// and "reorderPoint" all collapse to the same entry. Downstream code never
// sees a source field name.
var fieldAliases = map[string]string{
	"sku":         "sku",
	"item_sku":    "sku",
	"item_number": "sku",
	"item_id":     "sku",
	"part_number": "sku",

	"name":         "name",
	"item_name":    "name",
	"product_name": "name",
	"description":  "name",
	"title":        "name",

	"stock":          "stock",
	"qty":            "stock",
	"quantity":       "stock",
	"stock_quantity": "stock",
	"on_hand":        "stock",
	"qty_on_hand":    "stock",

	"cost":       "cost",
	"unit_cost":  "cost",
	"price":      "cost",
	"unit_price": "cost",

	"vendor":        "vendor",
	"vendor_name":   "vendor",
	"supplier":      "vendor",
	"supplier_name": "vendor",
	"mfg":           "vendor",

	"location":     "location",
	"loc":          "location",
	"bin":          "location",
	"bin_location": "location",
	"warehouse":    "location",

	"reorder_point": "reorder_point",
	"reorder_pt":    "reorder_point",
	"reorder_level": "reorder_point",
	"min_qty":       "reorder_point",
	"min_stock":     "reorder_point",
	"minimum":       "reorder_point",

	"reorder_qty":      "reorder_qty",
	"reorder_quantity": "reorder_qty",
	"order_qty":        "reorder_qty",

	"sales_30d":     "sales_30d",
	"sales_30":      "sales_30d",
	"sales_last_30": "sales_30d",
	"sold_30_days":  "sales_30d",

	"sales_90d":     "sales_90d",
	"sales_90":      "sales_90d",
	"sales_last_90": "sales_90d",
	"sold_90_days":  "sales_90d",
}

// canonicalKey collapses the source's naming variants: case, spaces, dashes,
// and camelCase all fold into snake_case.
func canonicalKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)

	prevLower := false
	for _, r := range key {
		isLower := r >= 'a' && r <= 'z'
		switch {
		case r == ' ' || r == '-' || r == '.':
			r = '_'
		case r >= 'A' && r <= 'Z':
			// camelCase boundary; ALL-CAPS keys fold without extra underscores.
			if prevLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		prevLower = isLower
		b.WriteRune(r)
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// Record maps one raw source row into the canonical InventoryRecord shape.
// Unknown fields are dropped, missing fields default to zero values, and
// numeric strings coerce. A row without any recognizable sku is rejected.
func Record(row map[string]interface{}) (*types.InventoryRecord, error) {
	// Sorted iteration keeps duplicate-alias resolution deterministic: when a
	// row carries two aliases for the same field, the lexically first wins.
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	canonical := make(map[string]interface{}, len(row))
	for _, key := range keys {
		value := row[key]
		field, ok := fieldAliases[canonicalKey(key)]
		if !ok {
			continue
		}
		if value == nil {
			continue
		}
		if _, exists := canonical[field]; exists {
			continue
		}
		canonical[field] = value
	}

	rec := &types.InventoryRecord{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           rec,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(canonical); err != nil {
		return nil, &MalformedDataError{Reason: err.Error()}
	}

	rec.SKU = strings.TrimSpace(rec.SKU)
	if rec.SKU == "" {
		return nil, &MalformedDataError{Reason: "record has no sku under any known alias"}
	}

	rec.SyncStatus = types.SyncStatusPending
	return rec, nil
}
