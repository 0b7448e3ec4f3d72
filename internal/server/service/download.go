package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"depot/internal/server/database"
	"depot/internal/server/storage"
	"depot/internal/server/transform"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_downloads_total",
		Help: "Files served, by kind.",
	}, []string{"kind"})
	recordCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depot_record_cache_hits_total",
		Help: "Identifier lookups served from the in-memory record cache.",
	})
	recordCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depot_record_cache_misses_total",
		Help: "Identifier lookups that went to the database.",
	})
)

// DownloadService resolves public identifiers to servable records and
// hands out original or transformed content.
type DownloadService struct {
	records   RecordStore
	store     storage.Store
	processor *transform.Processor
	cache     *expirable.LRU[string, *database.FileRecord]
}

// NewDownloadService creates a new download service. Resolved records
// are kept in a TTL-bounded LRU so hot files skip the database.
func NewDownloadService(records RecordStore, store storage.Store, processor *transform.Processor, cacheSize int, cacheTTL time.Duration) *DownloadService {
	return &DownloadService{
		records:   records,
		store:     store,
		processor: processor,
		cache:     expirable.NewLRU[string, *database.FileRecord](cacheSize, nil, cacheTTL),
	}
}

// Resolve maps an identifier (record UUID or stored name) to a
// servable record. Records that are not validated safe do not exist as
// far as callers are concerned.
func (s *DownloadService) Resolve(ctx context.Context, identifier string) (*database.FileRecord, error) {
	if rec, ok := s.cache.Get(identifier); ok {
		recordCacheHits.Inc()
		return rec, nil
	}
	recordCacheMisses.Inc()

	var rec *database.FileRecord
	var err error
	if id, perr := uuid.Parse(identifier); perr == nil {
		rec, err = s.records.GetByID(ctx, id)
	} else {
		rec, err = s.records.GetByStoredName(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	if !rec.Servable() {
		return nil, ErrNotFound
	}

	s.cache.Add(identifier, rec)
	return rec, nil
}

// OpenOriginal returns a seekable stream of the stored bytes.
func (s *DownloadService) OpenOriginal(rec *database.FileRecord) (io.ReadSeekCloser, error) {
	f, err := s.store.Open(rec.Category, rec.StoredName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	downloadsTotal.WithLabelValues("original").Inc()
	return f, nil
}

// Transform returns a derived variant of an optimizable record.
func (s *DownloadService) Transform(rec *database.FileRecord, opts transform.Options) ([]byte, string, error) {
	data, contentType, err := s.processor.Process(rec.Category, rec.StoredName, opts)
	if err != nil {
		if errors.Is(err, transform.ErrSourceMissing) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	downloadsTotal.WithLabelValues("transform").Inc()
	return data, contentType, nil
}

// CountDownload bumps the download counter; failures only log, they
// never break a response already being served.
func (s *DownloadService) CountDownload(ctx context.Context, id uuid.UUID) {
	if err := s.records.IncrementDownloadCount(ctx, id); err != nil {
		slog.Error("failed to increment download count", "file_id", id, "error", err)
	}
}

// Stats returns aggregate server statistics.
func (s *DownloadService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.records.GetStats(ctx)
}
