package export

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/httpx"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/storage/geoparquet"
)

func extFor(f model.ExportFormat) string {
	switch f {
	case model.FormatGeoParquet:
		return "parquet"
	case model.FormatSHP:
		return "zip"
	default:
		return string(f)
	}
}

func contentTypeFor(f model.ExportFormat) string {
	switch f {
	case model.FormatGeoJSON:
		return "application/geo+json"
	case model.FormatGeoParquet:
		return "application/vnd.apache.parquet"
	case model.FormatPMTiles:
		return "application/vnd.pmtiles"
	case model.FormatCSV:
		return "text/csv"
	case model.FormatKML:
		return "application/vnd.google-earth.kml+xml"
	case model.FormatSHP:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

func (s *Service) convert(ctx context.Context, format model.ExportFormat, merged, workDir string, count int64) (string, string, error) {
	out := filepath.Join(workDir, "export."+extFor(format))

	switch format {
	case model.FormatGeoJSON:
		return merged, contentTypeFor(format), nil

	case model.FormatCSV:
		if err := toCSV(merged, out); err != nil {
			return "", "", err
		}

	case model.FormatKML:
		if err := toKML(merged, out); err != nil {
			return "", "", err
		}

	case model.FormatGeoParquet:
		if _, err := geoparquet.FromGeoJSON(merged, out, s.cfg.ParquetBatchSize); err != nil {
			return "", "", err
		}

	case model.FormatMBTiles, model.FormatPMTiles:
		if s.tiles == nil || !s.tiles.Available() {
			return "", "", fmt.Errorf("tippecanoe not available")
		}
		if err := s.tiles.Generate(ctx, merged, out, "export", count); err != nil {
			return "", "", err
		}

	case model.FormatGPKG:
		if err := s.ogr2ogr(ctx, "GPKG", merged, out); err != nil {
			return "", "", err
		}

	case model.FormatFGB:
		if err := s.ogr2ogr(ctx, "FlatGeobuf", merged, out); err != nil {
			return "", "", err
		}

	case model.FormatSHP:
		shpDir := filepath.Join(workDir, "shp")
		if err := s.ogr2ogr(ctx, "ESRI Shapefile", merged, shpDir); err != nil {
			return "", "", err
		}
		if err := zipDir(shpDir, out); err != nil {
			return "", "", err
		}

	default:
		return "", "", fmt.Errorf("unsupported export format %q", format)
	}
	return out, contentTypeFor(format), nil
}

func (s *Service) ogr2ogr(ctx context.Context, driver, in, out string) error {
	cmd := exec.CommandContext(ctx, s.cfg.Ogr2ogrPath, "-f", driver, out, in)
	if b, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ogr2ogr %s: %w: %s", driver, err, httpx.Tail(b))
	}
	return nil
}

// toCSV flattens features into rows. The column set comes from the first
// feature; the geometry lands in a trailing "wkt" column.
func toCSV(inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	w := csv.NewWriter(bufio.NewWriterSize(out, 1<<20))
	r := geojson.NewReader(bufio.NewReader(in))

	var cols []string
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if cols == nil {
			for k := range f.Properties {
				cols = append(cols, k)
			}
			sort.Strings(cols)
			if err := w.Write(append(append([]string(nil), cols...), "wkt")); err != nil {
				return err
			}
		}
		row := make([]string, 0, len(cols)+1)
		for _, c := range cols {
			row = append(row, stringify(f.Properties[c]))
		}
		geomWKT := ""
		if f.Geometry != nil {
			geomWKT = wkt.MarshalString(f.Geometry)
		}
		if err := w.Write(append(row, geomWKT)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func zipDir(dir, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		zf, err := zw.Create(e.Name())
		if err == nil {
			_, err = io.Copy(zf, f)
		}
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}
