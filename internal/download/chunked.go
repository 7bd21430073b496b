package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/model"
)

// LandingKey names a chunk artifact inside the job's landing area.
func LandingKey(jobID uuid.UUID, ordinal int) string {
	return fmt.Sprintf("landing/%s/chunk_%d.geojson", jobID, ordinal)
}

// runChunked splits the OID range into fixed-size chunks, downloads them
// concurrently, and merges the results in ordinal order. Each chunk is
// retried a few times before the job fails.
func (s *Service) runChunked(ctx context.Context, ranger adapter.OIDRanger, ref adapter.DatasetRef, jobID uuid.UUID, outPath string, total *int64) (adapter.DownloadResult, error) {
	start := time.Now()

	lo, hi, err := ranger.OIDRange(ctx, ref)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("oid range: %w", err)
	}

	var chunks []model.DownloadChunk
	for a, ord := lo, 0; a <= hi; a, ord = a+s.cfg.ChunkSize, ord+1 {
		b := min(a+s.cfg.ChunkSize-1, hi)
		chunks = append(chunks, model.DownloadChunk{
			ID:       uuid.New(),
			JobID:    jobID,
			Ordinal:  ord,
			Strategy: model.ChunkOIDRange,
			Params:   model.JSONMap{"min_oid": a, "max_oid": b},
			Status:   model.StatusPending,
		})
	}
	if err := s.store.CreateChunks(ctx, chunks); err != nil {
		return adapter.DownloadResult{}, err
	}
	if err := s.store.SetDownloadPlan(ctx, jobID, model.StrategyChunked, len(chunks), total); err != nil {
		return adapter.DownloadResult{}, err
	}

	landingDir := filepath.Join(filepath.Dir(outPath), "landing")
	if err := os.MkdirAll(landingDir, 0o755); err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("landing dir: %w", err)
	}
	if s.landing != nil {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := s.landing.DeletePrefix(cleanupCtx, "landing/"+jobID.String()+"/"); err != nil {
				s.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("landing cleanup failed")
			}
		}()
	}

	parts := make([]string, len(chunks))
	var downloaded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ChunkParallel)
	for i := range chunks {
		chunk := chunks[i]
		part := filepath.Join(landingDir, fmt.Sprintf("chunk_%d.geojson", chunk.Ordinal))
		parts[chunk.Ordinal] = part

		g.Go(func() error {
			n, err := s.runChunk(gctx, ranger, ref, chunk, part)
			if err != nil {
				return err
			}
			_ = s.store.UpdateDownloadProgress(gctx, jobID, downloaded.Add(n), 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return adapter.DownloadResult{}, err
	}

	count, bytes, err := mergeFeatureFiles(parts, outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("merge chunks: %w", err)
	}
	return adapter.DownloadResult{
		Path:         outPath,
		FeatureCount: count,
		Bytes:        bytes,
		Pages:        len(chunks),
		Duration:     time.Since(start),
	}, nil
}

func (s *Service) runChunk(ctx context.Context, ranger adapter.OIDRanger, ref adapter.DatasetRef, chunk model.DownloadChunk, part string) (int64, error) {
	lo := toInt64(chunk.Params["min_oid"])
	hi := toInt64(chunk.Params["max_oid"])

	if err := s.store.MarkChunkRunning(ctx, chunk.ID); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ChunkRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		res, err := ranger.DownloadOIDRange(ctx, ref, part, lo, hi)
		if err == nil {
			key := LandingKey(chunk.JobID, chunk.Ordinal)
			if s.landing != nil {
				if _, err := s.landing.UploadFile(ctx, key, part, "application/geo+json"); err != nil {
					s.log.Warn().Err(err).Str("key", key).Msg("chunk landing upload failed")
				}
			}
			if err := s.store.FinishChunk(ctx, chunk.ID, key, res.FeatureCount, res.Bytes); err != nil {
				return 0, err
			}
			return res.FeatureCount, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("ordinal", chunk.Ordinal).Int("attempt", attempt).
			Msg("chunk download failed")
	}

	if err := s.store.FailChunk(ctx, chunk.ID, lastErr); err != nil {
		s.log.Error().Err(err).Int("ordinal", chunk.Ordinal).Msg("chunk failure not recorded")
	}
	return 0, fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Ordinal, s.cfg.ChunkRetries, lastErr)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// mergeFeatureFiles concatenates FeatureCollections in slice order into one.
func mergeFeatureFiles(parts []string, outPath string) (int64, int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = out.Close() }()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := geojson.NewWriter(bw)

	for _, part := range parts {
		if err := copyFeatures(w, part); err != nil {
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

func copyFeatures(w *geojson.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := geojson.NewReader(bufio.NewReader(f))
	for {
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
	}
}
