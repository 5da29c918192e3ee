// Package worker runs the background media upload loop: captured session
// files land on local disk at finalize and are shipped to S3 here, under the
// storage key already stamped on the record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/stagecall/backend/pkg/queue"
	"github.com/stagecall/backend/pkg/storage"
)

const mediaContentType = "video/mp4"

// MediaUploader processes media upload jobs: read the captured file, upload
// to the recordings bucket, delete the local copy.
type MediaUploader struct {
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewMediaUploader creates a media upload processor.
func NewMediaUploader(s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *MediaUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaUploader{s3: s3, queue: q, logger: logger}
}

// Run processes jobs until ctx is canceled.
func (p *MediaUploader) Run(ctx context.Context) {
	p.logger.Info("media upload worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("media upload worker stopped")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if err := p.queue.Retry(ctx, job); err != nil {
				p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (p *MediaUploader) process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeMediaUpload {
		p.logger.Warn("unknown job type, dropping", zap.String("type", string(job.Type)))
		return nil
	}
	var payload queue.MediaUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Warn("invalid payload, dropping", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	f, err := os.Open(payload.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Captured file already gone; nothing to ship, nothing to retry.
			p.logger.Warn("captured file missing, dropping job",
				zap.String("session_id", payload.SessionID.String()),
				zap.String("path", payload.LocalPath),
			)
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	url, err := p.s3.Upload(ctx, payload.StorageKey, mediaContentType, f, info.Size())
	if err != nil {
		return err
	}

	if err := os.Remove(payload.LocalPath); err != nil {
		p.logger.Warn("could not remove local capture", zap.String("path", payload.LocalPath), zap.Error(err))
	}

	p.logger.Info("session media uploaded",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("key", payload.StorageKey),
		zap.String("url", url),
	)
	return nil
}
