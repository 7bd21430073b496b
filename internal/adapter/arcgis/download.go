package arcgis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/httpx"
)

// consecutive remote closes tolerated at the floor page size before giving up
const maxRemoteCloses = 8

// pageSizer adapts the page size to servers that drop large responses: two
// consecutive remote closes halve the size down to minPageSize.
type pageSizer struct {
	size   int
	closes int
}

func (p *pageSizer) onSuccess() { p.closes = 0 }

// onRemoteClose reports whether the same offset should be retried.
func (p *pageSizer) onRemoteClose() bool {
	p.closes++
	if p.closes < 2 {
		return true
	}
	if p.size > minPageSize {
		p.size = max(p.size/2, minPageSize)
		p.closes = 0
		return true
	}
	return p.closes < maxRemoteCloses
}

func baseQuery() url.Values {
	return url.Values{
		"where":          {"1=1"},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
		"outSR":          {"4326"},
		"f":              {"geojson"},
	}
}

func applyFilter(params url.Values, filter *geom.BBox) {
	if filter == nil {
		return
	}
	params.Set("geometry", filter.String())
	params.Set("geometryType", "esriGeometryEnvelope")
	params.Set("inSR", "4326")
	params.Set("spatialRel", "esriSpatialRelIntersects")
}

// DownloadSimple fetches the whole layer in one request.
func (a *Adapter) DownloadSimple(ctx context.Context, ref adapter.DatasetRef, outPath string, filter *geom.BBox) (adapter.DownloadResult, error) {
	start := time.Now()
	params := baseQuery()
	applyFilter(params, filter)

	n, err := httpx.GetToFile(ctx, a.client, a.queryURL(ref), params, outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("simple download: %w", err)
	}
	count, err := countFeatures(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("simple download: %w", err)
	}
	return adapter.DownloadResult{
		Path:         outPath,
		FeatureCount: count,
		Bytes:        n,
		Pages:        1,
		Duration:     time.Since(start),
	}, nil
}

// DownloadPaged streams the layer page by page with resultOffset /
// resultRecordCount, writing features straight to the output file. On two
// consecutive remote closes the page size halves (floor 100) and the same
// offset is retried. Constant memory regardless of layer size.
func (a *Adapter) DownloadPaged(ctx context.Context, ref adapter.DatasetRef, outPath string, opts adapter.PagedOptions) (adapter.DownloadResult, error) {
	start := time.Now()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = ref.MaxRecordCount
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	total, err := a.FeatureCount(ctx, ref)
	if err != nil {
		// unknown total only disables percentage reporting
		a.log.Debug().Err(err).Msg("count query failed before paged download")
		total = 0
	}

	f, err := os.Create(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("create %s: %w", outPath, err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriterSize(f, 1<<20)
	w := geojson.NewWriter(bw)

	sizer := &pageSizer{size: pageSize}
	var (
		written int64
		pages   int
		offset  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return adapter.DownloadResult{}, err
		}

		params := baseQuery()
		applyFilter(params, opts.Filter)
		params.Set("resultOffset", strconv.Itoa(offset))
		params.Set("resultRecordCount", strconv.Itoa(sizer.size))

		var page pageDoc
		if err := a.get(ctx, a.queryURL(ref), params, &page); err != nil {
			if httpx.IsRemoteClose(err) && sizer.onRemoteClose() {
				a.log.Warn().Int("page_size", sizer.size).Int("offset", offset).
					Msg("remote close, retrying offset")
				continue
			}
			return adapter.DownloadResult{}, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		sizer.onSuccess()

		for _, feat := range page.Features {
			if err := w.WriteRaw(feat); err != nil {
				return adapter.DownloadResult{}, err
			}
		}
		written += int64(len(page.Features))
		pages++
		offset += len(page.Features)

		if opts.Progress != nil {
			opts.Progress(written, total)
		}

		// A short but non-empty page is not the end: servers with stale
		// maxRecordCount metadata cap pages below the requested size, so
		// keep advancing until a page comes back empty or the known total
		// is reached.
		if len(page.Features) == 0 {
			break
		}
		if total > 0 && written >= total {
			break
		}
	}

	if err := w.Close(); err != nil {
		return adapter.DownloadResult{}, err
	}
	if err := bw.Flush(); err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("flush %s: %w", outPath, err)
	}

	return adapter.DownloadResult{
		Path:         outPath,
		FeatureCount: written,
		Bytes:        w.Bytes(),
		Pages:        pages,
		Duration:     time.Since(start),
	}, nil
}

// DownloadParallel splits the OID range into contiguous inclusive ranges
// fetched concurrently, then concatenates the partial files in range order.
// Falls back to paged when the range cannot be obtained.
func (a *Adapter) DownloadParallel(ctx context.Context, ref adapter.DatasetRef, outPath string, workers int) (adapter.DownloadResult, error) {
	start := time.Now()
	if workers <= 0 {
		workers = 4
	}

	lo, hi, err := a.OIDRange(ctx, ref)
	if err != nil {
		a.log.Warn().Err(err).Msg("oid range unavailable, falling back to paged")
		return a.DownloadPaged(ctx, ref, outPath, adapter.PagedOptions{})
	}

	span := hi - lo + 1
	if int64(workers) > span {
		workers = int(span)
	}
	step := span / int64(workers)

	parts := make([]string, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		a0 := lo + int64(i)*step
		b0 := a0 + step - 1
		if i == workers-1 {
			b0 = hi
		}
		part := fmt.Sprintf("%s.part%d", outPath, i)
		parts[i] = part
		g.Go(func() error {
			_, err := a.DownloadOIDRange(gctx, ref, part, a0, b0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		removeAll(parts)
		return adapter.DownloadResult{}, fmt.Errorf("parallel download: %w", err)
	}
	defer removeAll(parts)

	count, bytes, err := concatFeatureFiles(parts, outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("parallel download: %w", err)
	}
	return adapter.DownloadResult{
		Path:         outPath,
		FeatureCount: count,
		Bytes:        bytes,
		Pages:        workers,
		Duration:     time.Since(start),
	}, nil
}

// OIDRange queries min/max of the OID field via the statistics endpoint.
func (a *Adapter) OIDRange(ctx context.Context, ref adapter.DatasetRef) (int64, int64, error) {
	oidField, err := a.oidField(ctx, ref)
	if err != nil {
		return 0, 0, err
	}

	stats := fmt.Sprintf(
		`[{"statisticType":"min","onStatisticField":"%s","outStatisticFieldName":"MIN_OID"},`+
			`{"statisticType":"max","onStatisticField":"%s","outStatisticFieldName":"MAX_OID"}]`,
		oidField, oidField)
	params := url.Values{"outStatistics": {stats}, "f": {"json"}}

	var doc statsDoc
	if err := a.get(ctx, a.queryURL(ref), params, &doc); err != nil {
		return 0, 0, fmt.Errorf("oid statistics: %w", err)
	}
	if len(doc.Features) == 0 {
		return 0, 0, errors.New("oid statistics: empty result")
	}
	attrs := doc.Features[0].Attributes
	lo, err1 := attrs["MIN_OID"].Int64()
	hi, err2 := attrs["MAX_OID"].Int64()
	if err1 != nil || err2 != nil || hi < lo {
		return 0, 0, fmt.Errorf("oid statistics: bad range [%s,%s]", attrs["MIN_OID"], attrs["MAX_OID"])
	}
	return lo, hi, nil
}

// DownloadOIDRange fetches OID >= lo AND OID <= hi into outPath.
func (a *Adapter) DownloadOIDRange(ctx context.Context, ref adapter.DatasetRef, outPath string, lo, hi int64) (adapter.DownloadResult, error) {
	start := time.Now()
	oidField, err := a.oidField(ctx, ref)
	if err != nil {
		return adapter.DownloadResult{}, err
	}

	params := baseQuery()
	params.Set("where", fmt.Sprintf("%s >= %d AND %s <= %d", oidField, lo, oidField, hi))

	n, err := httpx.GetToFile(ctx, a.client, a.queryURL(ref), params, outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("oid range [%d,%d]: %w", lo, hi, err)
	}
	count, err := countFeatures(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("oid range [%d,%d]: %w", lo, hi, err)
	}
	return adapter.DownloadResult{
		Path:         outPath,
		FeatureCount: count,
		Bytes:        n,
		Pages:        1,
		Duration:     time.Since(start),
	}, nil
}

func (a *Adapter) oidField(ctx context.Context, ref adapter.DatasetRef) (string, error) {
	if ref.OIDField != "" {
		return ref.OIDField, nil
	}
	var layer layerDoc
	if err := a.get(ctx, a.layerURL(ref), nil, &layer); err != nil {
		return "", fmt.Errorf("layer info for oid field: %w", err)
	}
	for _, f := range layer.Fields {
		if f.Type == "esriFieldTypeOID" {
			return f.Name, nil
		}
	}
	return defaultOIDField, nil
}

// Preview returns up to limit features as a raw FeatureCollection.
func (a *Adapter) Preview(ctx context.Context, ref adapter.DatasetRef, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	params := baseQuery()
	params.Set("resultRecordCount", strconv.Itoa(limit))

	body, err := a.getRaw(ctx, a.queryURL(ref), params)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("preview %s: invalid json (body: %s)", a.queryURL(ref), httpx.Tail(body))
	}
	return body, nil
}

func (a *Adapter) FeatureCount(ctx context.Context, ref adapter.DatasetRef) (int64, error) {
	params := url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
		"f":               {"json"},
	}
	var doc countDoc
	if err := a.get(ctx, a.queryURL(ref), params, &doc); err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	return doc.Count, nil
}

func countFeatures(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	r := geojson.NewReader(bufio.NewReader(f))
	var n int64
	for {
		if _, err := r.NextRaw(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

// concatFeatureFiles merges the partial FeatureCollections in slice order.
func concatFeatureFiles(parts []string, outPath string) (int64, int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = out.Close() }()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := geojson.NewWriter(bw)

	for _, part := range parts {
		pf, err := os.Open(part)
		if err != nil {
			return 0, 0, err
		}
		r := geojson.NewReader(bufio.NewReader(pf))
		for {
			raw, err := r.NextRaw()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = pf.Close()
				return 0, 0, err
			}
			if err := w.WriteRaw(raw); err != nil {
				_ = pf.Close()
				return 0, 0, err
			}
		}
		_ = pf.Close()
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, 0, err
	}
	return int64(w.Count()), w.Bytes(), nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
