// Package uploader attaches a file to a set of created drafts using the
// remote chunked upload-session protocol.
package uploader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/draftsmith/draftsmith/internal/metrics"
	"github.com/draftsmith/draftsmith/internal/models"
)

const (
	// ChunkSize is the fixed upload chunk size accepted by the remote API.
	ChunkSize = 3 * 1024 * 1024
	// DefaultConcurrency bounds how many drafts upload at once.
	DefaultConcurrency = 3
)

// API is the slice of the remote surface the uploader needs.
type API interface {
	CreateUploadSession(ctx context.Context, messageID, fileName string, fileSize int64) (string, error)
	UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rangeStart, rangeEnd, totalSize int64) error
}

// Result is the outcome for one draft. Partial failure never raises; every
// input message id gets exactly one Result.
type Result struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// Uploader uploads one file to many drafts with bounded concurrency and
// paced chunks. Chunks within one draft are sequential; the limiter spaces
// chunk submissions across the whole uploader to avoid self-inflicted
// throttling.
type Uploader struct {
	ChunkSize   int
	Concurrency int64
	Limiter     *rate.Limiter

	api    API
	logger *zap.Logger
}

func New(api API, logger *zap.Logger) *Uploader {
	return &Uploader{
		ChunkSize:   ChunkSize,
		Concurrency: DefaultConcurrency,
		Limiter:     rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		api:         api,
		logger:      logger,
	}
}

// AttachFileToMultipleDrafts uploads file to every draft in messageIDs. All
// drafts complete (success or failure) before it returns.
func (u *Uploader) AttachFileToMultipleDrafts(ctx context.Context, messageIDs []string, file models.Attachment) []Result {
	results := make([]Result, len(messageIDs))
	sem := semaphore.NewWeighted(u.Concurrency)

	for i, id := range messageIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(messageIDs); j++ {
				results[j] = Result{MessageID: messageIDs[j], ErrorMsg: err.Error()}
			}
			break
		}
		go func(i int, id string) {
			defer sem.Release(1)
			if err := u.attachOne(ctx, id, file); err != nil {
				metrics.AttachmentFailures.Inc()
				u.logger.Warn("attachment upload failed",
					zap.String("message_id", id),
					zap.Error(err),
				)
				results[i] = Result{MessageID: id, ErrorMsg: err.Error()}
				return
			}
			metrics.AttachmentUploads.Inc()
			results[i] = Result{MessageID: id, Success: true}
		}(i, id)
	}

	// Draining the full weight waits for every in-flight upload.
	if err := sem.Acquire(context.Background(), u.Concurrency); err == nil {
		sem.Release(u.Concurrency)
	}
	return results
}

// attachOne runs the session protocol for a single draft: declare the file,
// then send sequential byte ranges. The first chunk failure aborts this
// draft only.
func (u *Uploader) attachOne(ctx context.Context, messageID string, file models.Attachment) error {
	total := int64(len(file.Content))
	uploadURL, err := u.api.CreateUploadSession(ctx, messageID, file.Name, total)
	if err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}

	for start := int64(0); start < total; start += int64(u.ChunkSize) {
		end := start + int64(u.ChunkSize)
		if end > total {
			end = total
		}
		if err := u.Limiter.Wait(ctx); err != nil {
			return err
		}
		chunk := file.Content[start:end]
		if err := u.api.UploadChunk(ctx, uploadURL, chunk, start, end-1, total); err != nil {
			return fmt.Errorf("upload chunk %d-%d: %w", start, end-1, err)
		}
	}

	u.logger.Debug("attachment uploaded",
		zap.String("message_id", messageID),
		zap.Int64("size", total),
	)
	return nil
}
