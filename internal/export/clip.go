package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"
	gj "github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/geom"
)

// parseClip accepts a bare GeoJSON geometry or a feature wrapping one.
func parseClip(raw *string) (orb.Geometry, *geom.BBox, error) {
	if raw == nil || *raw == "" {
		return nil, nil, nil
	}
	b := []byte(*raw)
	if g, err := gj.UnmarshalGeometry(b); err == nil {
		bbox := geom.FromBound(g.Geometry().Bound())
		return g.Geometry(), &bbox, nil
	}
	f, err := gj.UnmarshalFeature(b)
	if err != nil {
		return nil, nil, fmt.Errorf("neither geometry nor feature: %w", err)
	}
	if f.Geometry == nil {
		return nil, nil, fmt.Errorf("clip feature has no geometry")
	}
	bbox := geom.FromBound(f.Geometry.Bound())
	return f.Geometry, &bbox, nil
}

// clipAccepts filters by bound intersection; points against polygon clips get
// an exact containment test.
func clipAccepts(clip orb.Geometry, g orb.Geometry) bool {
	if clip == nil {
		return true
	}
	if g == nil {
		return false
	}
	if !clip.Bound().Intersects(g.Bound()) {
		return false
	}
	pt, isPoint := g.(orb.Point)
	if !isPoint {
		return true
	}
	switch c := clip.(type) {
	case orb.Polygon:
		return planar.PolygonContains(c, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(c, pt)
	default:
		return true
	}
}

// mergeClipped concatenates FeatureCollections in slice order. Without a clip
// the features are copied verbatim; with one they are parsed and filtered.
func mergeClipped(parts []string, outPath string, clip orb.Geometry) (int64, int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = out.Close() }()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := geojson.NewWriter(bw)

	for _, part := range parts {
		if err := appendPart(w, part, clip); err != nil {
			return 0, 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, 0, err
	}
	return int64(w.Count()), w.Bytes(), nil
}

func appendPart(w *geojson.Writer, path string, clip orb.Geometry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := geojson.NewReader(bufio.NewReader(f))
	for {
		if clip == nil {
			raw, err := r.NextRaw()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := w.WriteRaw(raw); err != nil {
				return err
			}
			continue
		}
		feat, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !clipAccepts(clip, feat.Geometry) {
			continue
		}
		if err := w.WriteFeature(feat); err != nil {
			return err
		}
	}
}
