// Package export writes query results to object storage as Parquet files.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/querydesk/querydesk/internal/storage"
)

type Request struct {
	Question string
	SQL      string
	Columns  []string
	Rows     [][]any
}

type Object struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	RowCount    int64  `json:"row_count"`
	ContentType string `json:"content_type"`
}

type Exporter struct {
	store  storage.ObjectStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewExporter(store storage.ObjectStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exporter{store: store, logger: logger, now: time.Now, newID: uuid.NewString}
}

func (e *Exporter) Export(ctx context.Context, req Request) (Object, error) {
	data, err := EncodeParquet(req)
	if err != nil {
		return Object{}, err
	}
	key, err := storage.BuildExportKey(e.newID(), e.now())
	if err != nil {
		return Object{}, err
	}
	info, err := e.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: ContentType})
	if err != nil {
		return Object{}, fmt.Errorf("upload export: %w", err)
	}
	e.logger.Info("result exported", slog.String("key", info.Key), slog.Int64("size", info.Size), slog.Int("rows", len(req.Rows)))
	return Object{Key: info.Key, Size: info.Size, RowCount: int64(len(req.Rows)), ContentType: ContentType}, nil
}

// Open returns a reader for a previously exported object. Callers close it.
func (e *Exporter) Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	info, err := e.store.Stat(ctx, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	reader, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	if info.ContentType == "" {
		info.ContentType = ContentType
	}
	return reader, info, nil
}
