package arcgis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
)

// CheckChanged compares the layer's editingInfo.lastEditDate against the
// cached source timestamp. Metadata-only, so it is the cheapest probe this
// provider offers. Layers without an edit date fall back to hashing the
// layer document itself. It always returns a result.
func (a *Adapter) CheckChanged(ctx context.Context, ref adapter.DatasetRef, hints adapter.Hints) adapter.ChangeInfo {
	start := time.Now()
	info := adapter.ChangeInfo{Method: model.MethodArcGISEditDate}
	defer func() {
		info.ElapsedMS = time.Since(start).Milliseconds()
		observability.IncChangeCheck(string(info.Method), info.Changed, info.Conclusive)
	}()

	raw, err := a.getRaw(ctx, a.layerURL(ref), nil)
	if err != nil {
		info.Err = err.Error()
		return info
	}
	var layer layerDoc
	if err := json.Unmarshal(raw, &layer); err != nil {
		info.Err = err.Error()
		return info
	}

	current := parseEditDate(layer.EditingInfo)
	switch {
	case current != nil && hints.SourceUpdatedAt != nil:
		info.Changed = current.After(*hints.SourceUpdatedAt)
		info.Conclusive = true
		info.Details = map[string]any{
			"cached_date":  hints.SourceUpdatedAt.Format(time.RFC3339),
			"current_date": current.Format(time.RFC3339),
		}
	case current != nil:
		// nothing cached yet; treat as changed
		info.Changed = true
		info.Conclusive = true
		info.Details = map[string]any{"current_date": current.Format(time.RFC3339)}
	default:
		// server exposes no edit date; hash the layer document instead
		hash := strconv.FormatUint(xxhash.Sum64(raw), 16)
		info.Method = model.MethodMetadataHash
		info.Details = map[string]any{"metadata_hash": hash}
		if hints.MetadataHash != "" {
			info.Changed = hash != hints.MetadataHash
			info.Conclusive = true
		} else {
			info.Changed = false
			info.Conclusive = false
		}
	}
	return info
}
