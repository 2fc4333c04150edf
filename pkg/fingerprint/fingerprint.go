package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/replenishly/stocksync/pkg/types"
)

// monitored is the exact field subset whose changes require a re-sync.
// Display-only fields (name, sales counts) never trigger a write.
type monitored struct {
	Stock        int     `json:"stock"`
	Cost         float64 `json:"cost"`
	ReorderPoint int     `json:"reorder_point"`
	Vendor       string  `json:"vendor"`
	Location     string  `json:"location"`
}

// Fingerprint returns a hex digest over a canonical encoding of the
// monitored fields. The encoding is key-sorted JSON, so the digest is
// independent of the order fields arrived from the source.
func Fingerprint(rec *types.InventoryRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("fingerprint: nil record")
	}

	// Marshal through a map so keys are emitted sorted regardless of struct
	// field order.
	m := map[string]interface{}{
		"stock":         rec.Stock,
		"cost":          rec.Cost,
		"reorder_point": rec.ReorderPoint,
		"vendor":        rec.Vendor,
		"location":      rec.Location,
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("fingerprint: encoding monitored fields: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Changed reports whether rec differs from the stored hash. The detector
// fails open: if the fingerprint cannot be computed the record is treated as
// changed and the anomaly is logged, never silently dropped.
func Changed(ctx context.Context, rec *types.InventoryRecord, storedHash string) (string, bool) {
	hash, err := Fingerprint(rec)
	if err != nil {
		sku := ""
		if rec != nil {
			sku = rec.SKU
		}
		ctxzap.Extract(ctx).Warn("fingerprint failed, treating record as changed",
			zap.String("sku", sku),
			zap.Error(err),
		)
		return "", true
	}

	return hash, storedHash == "" || hash != storedHash
}
