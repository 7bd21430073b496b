package export

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"

	"github.com/spheraform/spheraform/internal/geojson"
)

const kmlHeader = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2"><Document>
`
const kmlFooter = "</Document></kml>\n"

// toKML writes one Placemark per feature. Properties land in ExtendedData;
// a "name" property doubles as the placemark name.
func toKML(inPath, outPath string) error {
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

	bw := bufio.NewWriterSize(out, 1<<20)
	if _, err := bw.WriteString(kmlHeader); err != nil {
		return err
	}

	r := geojson.NewReader(bufio.NewReader(in))
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(placemark(f.Properties, f.Geometry)); err != nil {
			return err
		}
	}

	if _, err := bw.WriteString(kmlFooter); err != nil {
		return err
	}
	return bw.Flush()
}

func placemark(props map[string]any, g orb.Geometry) string {
	var b strings.Builder
	b.WriteString("<Placemark>")
	if name, ok := props["name"].(string); ok && name != "" {
		fmt.Fprintf(&b, "<name>%s</name>", escape(name))
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		if k != "name" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		b.WriteString("<ExtendedData>")
		for _, k := range keys {
			fmt.Fprintf(&b, `<Data name="%s"><value>%s</value></Data>`,
				escape(k), escape(stringify(props[k])))
		}
		b.WriteString("</ExtendedData>")
	}

	b.WriteString(kmlGeometry(g))
	b.WriteString("</Placemark>\n")
	return b.String()
}

func kmlGeometry(g orb.Geometry) string {
	switch t := g.(type) {
	case orb.Point:
		return "<Point><coordinates>" + coord(t) + "</coordinates></Point>"
	case orb.LineString:
		return "<LineString><coordinates>" + coords(t) + "</coordinates></LineString>"
	case orb.Polygon:
		return kmlPolygon(t)
	case orb.MultiPoint:
		var b strings.Builder
		b.WriteString("<MultiGeometry>")
		for _, p := range t {
			b.WriteString(kmlGeometry(p))
		}
		b.WriteString("</MultiGeometry>")
		return b.String()
	case orb.MultiLineString:
		var b strings.Builder
		b.WriteString("<MultiGeometry>")
		for _, ls := range t {
			b.WriteString(kmlGeometry(ls))
		}
		b.WriteString("</MultiGeometry>")
		return b.String()
	case orb.MultiPolygon:
		var b strings.Builder
		b.WriteString("<MultiGeometry>")
		for _, p := range t {
			b.WriteString(kmlPolygon(p))
		}
		b.WriteString("</MultiGeometry>")
		return b.String()
	case orb.Collection:
		var b strings.Builder
		b.WriteString("<MultiGeometry>")
		for _, sub := range t {
			b.WriteString(kmlGeometry(sub))
		}
		b.WriteString("</MultiGeometry>")
		return b.String()
	default:
		return ""
	}
}

func kmlPolygon(p orb.Polygon) string {
	var b strings.Builder
	b.WriteString("<Polygon>")
	for i, ring := range p {
		wrap := "outerBoundaryIs"
		if i > 0 {
			wrap = "innerBoundaryIs"
		}
		fmt.Fprintf(&b, "<%s><LinearRing><coordinates>%s</coordinates></LinearRing></%s>",
			wrap, coords(orb.LineString(ring)), wrap)
	}
	b.WriteString("</Polygon>")
	return b.String()
}

func coord(p orb.Point) string {
	return fmt.Sprintf("%g,%g", p[0], p[1])
}

func coords(ls orb.LineString) string {
	parts := make([]string, 0, len(ls))
	for _, p := range ls {
		parts = append(parts, coord(p))
	}
	return strings.Join(parts, " ")
}

func escape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
