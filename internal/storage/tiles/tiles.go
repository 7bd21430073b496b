// Package tiles shells out to tippecanoe for PMTiles generation and reads
// back the archive header for bounds verification.
package tiles

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/geom"
)

type Generator struct {
	binary  string
	minZoom int
	maxZoom int
	log     zerolog.Logger
}

func NewGenerator(binary string, minZoom, maxZoom int, log zerolog.Logger) *Generator {
	if binary == "" {
		binary = "tippecanoe"
	}
	if maxZoom <= 0 {
		maxZoom = 14
	}
	return &Generator{binary: binary, minZoom: minZoom, maxZoom: maxZoom, log: log}
}

// Available reports whether the tippecanoe binary can be found.
func (g *Generator) Available() bool {
	_, err := exec.LookPath(g.binary)
	return err == nil
}

// AdaptiveMaxZoom trades tile detail for archive size on big datasets.
func AdaptiveMaxZoom(featureCount int64) int {
	switch {
	case featureCount < 1_000:
		return 16
	case featureCount < 10_000:
		return 15
	case featureCount < 100_000:
		return 14
	default:
		return 12
	}
}

// Generate renders the GeoJSON at inPath into a PMTiles archive. layerName
// becomes the vector layer id, typically the dataset UUID.
func (g *Generator) Generate(ctx context.Context, inPath, outPath, layerName string, featureCount int64) error {
	maxZoom := min(g.maxZoom, AdaptiveMaxZoom(featureCount))

	args := []string{
		"-o", outPath,
		"--force",
		"--layer", layerName,
		"--minimum-zoom", strconv.Itoa(g.minZoom),
		"--maximum-zoom", strconv.Itoa(maxZoom),
		"--projection", "EPSG:4326",
		"--no-feature-limit",
		"--no-tile-size-limit",
		"--drop-densest-as-needed",
		"--extend-zooms-if-still-dropping",
		"--simplification", "10",
		"--buffer", "64",
		inPath,
	}

	cmd := exec.CommandContext(ctx, g.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tippecanoe: %w (output: %s)", err, tail(out, 300))
	}
	g.log.Debug().Str("archive", outPath).Int("max_zoom", maxZoom).Msg("tiles generated")
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}

// pmtilesMagic opens every v3 archive.
var pmtilesMagic = []byte("PMTiles")

const (
	pmtilesHeaderLen  = 127
	pmtilesBoundsOff  = 102
	pmtilesVersionOff = 7
)

// ReadBounds extracts the WGS84 bounds from a PMTiles v3 header. Bounds are
// stored as int32 little-endian E7 degrees at a fixed offset.
func ReadBounds(path string) (geom.BBox, error) {
	f, err := os.Open(path)
	if err != nil {
		return geom.BBox{}, fmt.Errorf("pmtiles bounds: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, pmtilesHeaderLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		return geom.BBox{}, fmt.Errorf("pmtiles bounds: %w", err)
	}
	return parseBounds(header)
}

func parseBounds(header []byte) (geom.BBox, error) {
	if len(header) < pmtilesHeaderLen {
		return geom.BBox{}, fmt.Errorf("pmtiles header too short: %d bytes", len(header))
	}
	for i, c := range pmtilesMagic {
		if header[i] != c {
			return geom.BBox{}, fmt.Errorf("not a pmtiles archive")
		}
	}
	if v := header[pmtilesVersionOff]; v != 3 {
		return geom.BBox{}, fmt.Errorf("unsupported pmtiles version %d", v)
	}

	e7 := func(off int) float64 {
		return float64(int32(binary.LittleEndian.Uint32(header[off:off+4]))) / 1e7
	}
	bb := geom.BBox{
		MinX: e7(pmtilesBoundsOff),
		MinY: e7(pmtilesBoundsOff + 4),
		MaxX: e7(pmtilesBoundsOff + 8),
		MaxY: e7(pmtilesBoundsOff + 12),
	}
	if !bb.Valid() {
		return geom.BBox{}, fmt.Errorf("pmtiles bounds invalid: %s", bb.String())
	}
	return bb, nil
}
