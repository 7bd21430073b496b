// Package geom carries the small geometry helpers shared by the adapters and
// storage backends: bounding boxes, WKT rendering, and CRS normalization.
package geom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// BBox is an axis-aligned box. Unless stated otherwise the coordinates are
// EPSG:4326 lon/lat.
type BBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
}

func (b BBox) Valid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY &&
		!(b.MinX == 0 && b.MinY == 0 && b.MaxX == 0 && b.MaxY == 0)
}

func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// WKT renders the box as a closed POLYGON ring, counter-clockwise.
func (b BBox) WKT() string {
	return fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))",
		b.MinX, b.MinY, b.MaxX, b.MinY, b.MaxX, b.MaxY, b.MinX, b.MaxY, b.MinX, b.MinY)
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

func FromBound(bd orb.Bound) BBox {
	return BBox{MinX: bd.Min[0], MinY: bd.Min[1], MaxX: bd.Max[0], MaxY: bd.Max[1]}
}

func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Union grows b to cover o.
func (b BBox) Union(o BBox) BBox {
	if !b.Valid() {
		return o
	}
	if o.MinX < b.MinX {
		b.MinX = o.MinX
	}
	if o.MinY < b.MinY {
		b.MinY = o.MinY
	}
	if o.MaxX > b.MaxX {
		b.MaxX = o.MaxX
	}
	if o.MaxY > b.MaxY {
		b.MaxY = o.MaxY
	}
	return b
}

// ParseBBox parses "minx,miny,maxx,maxy".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox: want 4 comma-separated numbers, got %q", s)
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox: part %d: %w", i, err)
		}
		vals[i] = f
	}
	b := BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
	if b.MinX > b.MaxX || b.MinY > b.MaxY {
		return BBox{}, fmt.Errorf("bbox: min exceeds max in %q", s)
	}
	return b, nil
}

// geographicWKIDs pass through untouched; mercatorWKIDs are inverse-projected.
var geographicWKIDs = map[int]bool{0: true, 4326: true, 4269: true, 4258: true, 4283: true}
var mercatorWKIDs = map[int]bool{3857: true, 102100: true, 102113: true, 900913: true}

// ToWGS84 reprojects a box expressed in the given WKID into EPSG:4326.
// Returns false for CRSes it cannot convert; callers drop the box then.
func ToWGS84(b BBox, wkid int) (BBox, bool) {
	switch {
	case geographicWKIDs[wkid]:
		return b, true
	case mercatorWKIDs[wkid]:
		lo := project.Mercator.ToWGS84(orb.Point{b.MinX, b.MinY})
		hi := project.Mercator.ToWGS84(orb.Point{b.MaxX, b.MaxY})
		return BBox{MinX: lo[0], MinY: lo[1], MaxX: hi[0], MaxY: hi[1]}, true
	default:
		return BBox{}, false
	}
}
