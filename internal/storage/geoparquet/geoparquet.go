// Package geoparquet converts between GeoJSON feature files and GeoParquet
// 1.0.0. Geometry travels as WKB in a required "geometry" column; properties
// become optional typed columns inferred from the first feature.
package geoparquet

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	gj "github.com/paulmach/orb/geojson"

	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/geom"
)

const geometryColumn = "geometry"

// geoMetadata is the "geo" key-value footer entry defined by the GeoParquet
// specification.
type geoMetadata struct {
	Version       string                    `json:"version"`
	PrimaryColumn string                    `json:"primary_column"`
	Columns       map[string]columnMetadata `json:"columns"`
}

type columnMetadata struct {
	Encoding      string     `json:"encoding"`
	GeometryTypes []string   `json:"geometry_types"`
	CRS           any        `json:"crs,omitempty"`
	BBox          [4]float64 `json:"bbox"`
}

// epsg4326 is the PROJJSON identifier for WGS84 longitude/latitude.
var epsg4326 = map[string]any{
	"type": "GeographicCRS",
	"name": "WGS 84",
	"id":   map[string]any{"authority": "EPSG", "code": 4326},
}

// WriteResult describes the produced file.
type WriteResult struct {
	FeatureCount  int64
	BBox          geom.BBox
	GeometryTypes []string
}

// FromGeoJSON converts the FeatureCollection at inPath to a GeoParquet file,
// flushing row groups of batchSize features.
func FromGeoJSON(inPath, outPath string, batchSize int) (WriteResult, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	in, err := os.Open(inPath)
	if err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}
	defer func() { _ = in.Close() }()

	r := geojson.NewReader(bufio.NewReaderSize(in, 1<<20))
	first, err := r.Next()
	if err == io.EOF {
		return WriteResult{}, fmt.Errorf("geoparquet: empty feature collection")
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}

	schema := schemaFor(first)
	out, err := os.Create(outPath)
	if err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}
	defer func() { _ = out.Close() }()

	w := parquet.NewGenericWriter[map[string]any](out, schema,
		parquet.Compression(&parquet.Zstd))

	var (
		res   WriteResult
		types = map[string]bool{}
		batch = make([]map[string]any, 0, batchSize)
	)
	res.BBox = geom.BBox{MinX: math.MaxFloat64, MinY: math.MaxFloat64,
		MaxX: -math.MaxFloat64, MaxY: -math.MaxFloat64}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	feat := first
	for {
		row, err := rowFor(feat, schema)
		if err != nil {
			return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
		}
		if row != nil {
			batch = append(batch, row)
			res.FeatureCount++
			types[feat.Geometry.GeoJSONType()] = true
			res.BBox = res.BBox.Union(geom.FromBound(feat.Geometry.Bound()))
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
				}
			}
		}

		feat, err = r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
		}
	}
	if err := flush(); err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}

	for typ := range types {
		res.GeometryTypes = append(res.GeometryTypes, typ)
	}
	sort.Strings(res.GeometryTypes)

	meta := geoMetadata{
		Version:       "1.0.0",
		PrimaryColumn: geometryColumn,
		Columns: map[string]columnMetadata{
			geometryColumn: {
				Encoding:      "WKB",
				GeometryTypes: res.GeometryTypes,
				CRS:           epsg4326,
				BBox:          [4]float64{res.BBox.MinX, res.BBox.MinY, res.BBox.MaxX, res.BBox.MaxY},
			},
		},
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}
	w.SetKeyValueMetadata("geo", string(metaJSON))

	if err := w.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("geoparquet: %w", err)
	}
	return res, nil
}

// schemaFor infers the column set from one feature. Unsupported property
// types are carried as JSON strings.
func schemaFor(f *gj.Feature) *parquet.Schema {
	group := parquet.Group{
		geometryColumn: parquet.Leaf(parquet.ByteArrayType),
	}
	for name, v := range f.Properties {
		if name == geometryColumn {
			continue
		}
		group[name] = parquet.Optional(leafFor(v))
	}
	return parquet.NewSchema("features", group)
}

func leafFor(v any) parquet.Node {
	switch n := v.(type) {
	case bool:
		return parquet.Leaf(parquet.BooleanType)
	case int, int64:
		return parquet.Leaf(parquet.Int64Type)
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return parquet.Leaf(parquet.Int64Type)
		}
		return parquet.Leaf(parquet.DoubleType)
	case float64:
		// json decodes every number as float64; keep integral values int64
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return parquet.Leaf(parquet.Int64Type)
		}
		return parquet.Leaf(parquet.DoubleType)
	case float32:
		return parquet.Leaf(parquet.DoubleType)
	default:
		return parquet.String()
	}
}

// rowFor maps one feature onto the schema. Features without geometry are
// dropped; properties absent from the schema are ignored.
func rowFor(f *gj.Feature, schema *parquet.Schema) (map[string]any, error) {
	if f.Geometry == nil {
		return nil, nil
	}
	data, err := wkb.Marshal(f.Geometry)
	if err != nil {
		return nil, fmt.Errorf("wkb encode: %w", err)
	}

	row := map[string]any{geometryColumn: data}
	for _, field := range schema.Fields() {
		name := field.Name()
		if name == geometryColumn {
			continue
		}
		v, ok := f.Properties[name]
		if !ok || v == nil {
			continue
		}
		switch field.Type().Kind() {
		case parquet.Boolean:
			if b, ok := v.(bool); ok {
				row[name] = b
			}
		case parquet.Int64:
			if n, ok := toInt(v); ok {
				row[name] = n
			}
		case parquet.Double:
			if n, ok := toFloat(v); ok {
				row[name] = n
			}
		default:
			if s, ok := v.(string); ok {
				row[name] = s
			} else if raw, err := json.Marshal(v); err == nil {
				row[name] = string(raw)
			}
		}
	}
	return row, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ToGeoJSON converts a GeoParquet file back to a GeoJSON FeatureCollection,
// optionally keeping only features whose bounds intersect bbox.
func ToGeoJSON(inPath, outPath string, bbox *geom.BBox) (int64, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, fmt.Errorf("geoparquet read: %w", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("geoparquet read: %w", err)
	}
	pf, err := parquet.OpenFile(in, info.Size())
	if err != nil {
		return 0, fmt.Errorf("geoparquet read: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("geoparquet read: %w", err)
	}
	defer func() { _ = out.Close() }()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := geojson.NewWriter(bw)

	reader := parquet.NewGenericReader[map[string]any](pf, pf.Schema())
	defer func() { _ = reader.Close() }()

	var n int64
	rows := make([]map[string]any, 256)
	for {
		for i := range rows {
			rows[i] = make(map[string]any)
		}
		count, err := reader.Read(rows)
		for _, row := range rows[:count] {
			feat, err := featureFor(row)
			if err != nil {
				return 0, fmt.Errorf("geoparquet read: %w", err)
			}
			if feat == nil {
				continue
			}
			if bbox != nil && !bbox.Intersects(geom.FromBound(feat.Geometry.Bound())) {
				continue
			}
			if err := w.WriteFeature(feat); err != nil {
				return 0, err
			}
			n++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("geoparquet read: %w", err)
		}
		clear(rows)
	}

	if err := w.Close(); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return n, nil
}

func featureFor(row map[string]any) (*gj.Feature, error) {
	rawGeom, ok := row[geometryColumn]
	if !ok || rawGeom == nil {
		return nil, nil
	}
	var data []byte
	switch g := rawGeom.(type) {
	case []byte:
		data = g
	case string:
		// parquet-go hands byte-array columns back as string when the
		// destination is map[string]any.
		data = []byte(g)
	default:
		return nil, fmt.Errorf("geometry column is %T, want []byte", rawGeom)
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("wkb decode: %w", err)
	}

	feat := gj.NewFeature(orb.Geometry(g))
	for name, v := range row {
		if name == geometryColumn || v == nil {
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		feat.Properties[name] = v
	}
	return feat, nil
}
