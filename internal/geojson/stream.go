// Package geojson streams FeatureCollections feature by feature so that
// multi-gigabyte downloads never materialize in memory.
package geojson

import (
	"encoding/json"
	"fmt"
	"io"

	gj "github.com/paulmach/orb/geojson"
)

const (
	Prefix = `{"type":"FeatureCollection","features":[`
	Suffix = `]}`
)

// Reader walks a FeatureCollection incrementally. Next and NextRaw return
// io.EOF once the features array is exhausted.
type Reader struct {
	dec     *json.Decoder
	started bool
	done    bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// advance consumes tokens up to the opening of the "features" array.
func (r *Reader) advance() error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("featurecollection: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("featurecollection: expected object, got %v", tok)
	}
	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("featurecollection key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("featurecollection: non-string key %v", keyTok)
		}
		if key == "features" {
			open, err := r.dec.Token()
			if err != nil {
				return fmt.Errorf("features array: %w", err)
			}
			if d, ok := open.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("features: expected array, got %v", open)
			}
			r.started = true
			return nil
		}
		var skip json.RawMessage
		if err := r.dec.Decode(&skip); err != nil {
			return fmt.Errorf("featurecollection member %q: %w", key, err)
		}
		if key == "type" {
			var typ string
			if err := json.Unmarshal(skip, &typ); err == nil && typ != "FeatureCollection" {
				return fmt.Errorf("featurecollection: type is %q", typ)
			}
		}
	}
	return fmt.Errorf("featurecollection: no features member")
}

// NextRaw returns the next feature verbatim.
func (r *Reader) NextRaw() (json.RawMessage, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.started {
		if err := r.advance(); err != nil {
			return nil, err
		}
	}
	if !r.dec.More() {
		r.done = true
		// consume the closing bracket so trailing garbage still errors
		if _, err := r.dec.Token(); err != nil {
			return nil, fmt.Errorf("features close: %w", err)
		}
		return nil, io.EOF
	}
	var raw json.RawMessage
	if err := r.dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("feature: %w", err)
	}
	return raw, nil
}

// Next returns the next feature parsed into a geometry-aware form.
func (r *Reader) Next() (*gj.Feature, error) {
	raw, err := r.NextRaw()
	if err != nil {
		return nil, err
	}
	f, err := gj.UnmarshalFeature(raw)
	if err != nil {
		return nil, fmt.Errorf("feature: %w", err)
	}
	return f, nil
}

// Writer emits a FeatureCollection incrementally and tracks bytes written.
type Writer struct {
	w       io.Writer
	count   int
	written int64
	started bool
	closed  bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(s []byte) error {
	n, err := w.w.Write(s)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write feature stream: %w", err)
	}
	return nil
}

func (w *Writer) start() error {
	if w.started {
		return nil
	}
	w.started = true
	return w.write([]byte(Prefix))
}

func (w *Writer) WriteRaw(raw []byte) error {
	if w.closed {
		return fmt.Errorf("write after close")
	}
	if err := w.start(); err != nil {
		return err
	}
	if w.count > 0 {
		if err := w.write([]byte(",")); err != nil {
			return err
		}
	}
	if err := w.write(raw); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *Writer) WriteFeature(f *gj.Feature) error {
	b, err := f.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal feature: %w", err)
	}
	return w.WriteRaw(b)
}

// Close writes the suffix. An empty collection still yields valid output.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.start(); err != nil {
		return err
	}
	w.closed = true
	return w.write([]byte(Suffix))
}

func (w *Writer) Count() int { return w.count }

func (w *Writer) Bytes() int64 { return w.written }
