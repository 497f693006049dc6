package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder for image.Decode
	"image/jpeg"
	_ "image/png" // Register PNG decoder for image.Decode
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	iconJobStream    = "openfleet.jobs.icons"
	consumerGroup    = "openfleet-workers"
	thumbnailWidth   = 256
	thumbnailQuality = 85

	// retryMinIdle is the minimum time a job must sit unacknowledged before it becomes eligible for reclaim.
	retryMinIdle = 30 * time.Second

	// maxRetries is the maximum number of delivery attempts for a single job. After this many failures the job is
	// acknowledged and discarded to prevent infinite retry loops.
	maxRetries = 3
)

// errPermanent wraps an error to indicate that retrying will not help (e.g. corrupt image, invalid UUID).
var errPermanent = errors.New("permanent")

// IconJob describes a pending app icon thumbnail generation task.
type IconJob struct {
	AppID       string `json:"app_id"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type"`
}

// IconKeyUpdater records generated icon thumbnail keys. Satisfied by app.Repository.
type IconKeyUpdater interface {
	SetIconPath(ctx context.Context, id uuid.UUID, iconPath string) error
}

// IconWorker consumes icon thumbnail jobs from a Valkey stream and produces JPEG thumbnails for uploaded app
// packages.
type IconWorker struct {
	rdb     *redis.Client
	storage StorageProvider
	updater IconKeyUpdater
	log     zerolog.Logger
}

// NewIconWorker creates a worker that processes icon thumbnail jobs.
func NewIconWorker(rdb *redis.Client, storage StorageProvider, updater IconKeyUpdater, logger zerolog.Logger) *IconWorker {
	return &IconWorker{
		rdb:     rdb,
		storage: storage,
		updater: updater,
		log:     logger,
	}
}

// EnsureStream creates the consumer group for the icon job stream, ignoring errors if the group already exists.
func (w *IconWorker) EnsureStream(ctx context.Context) {
	err := w.rdb.XGroupCreateMkStream(ctx, iconJobStream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		w.log.Warn().Err(err).Msg("Failed to create icon job consumer group")
	}
}

// Run reads and processes icon jobs until the context is cancelled. Transient failures leave the message
// unacknowledged so it can be reclaimed on the next iteration. Permanent failures and messages that exceed the
// maximum retry count are acknowledged and discarded.
func (w *IconWorker) Run(ctx context.Context) error {
	consumerName := "worker-" + uuid.New().String()[:8]

	for {
		w.reclaimStale(ctx, consumerName)

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{iconJobStream, ">"},
			Count:    1,
			Block:    0,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.processJob(ctx, msg)
			}
		}
	}
}

// reclaimStale uses XAUTOCLAIM to take ownership of messages that have been pending longer than retryMinIdle. This
// handles jobs that failed with a transient error on a previous attempt.
func (w *IconWorker) reclaimStale(ctx context.Context, consumerName string) {
	msgs, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   iconJobStream,
		Group:    consumerGroup,
		Consumer: consumerName,
		MinIdle:  retryMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("Failed to reclaim stale icon jobs")
		}
		return
	}

	for _, msg := range msgs {
		w.processJob(ctx, msg)
	}
}

func (w *IconWorker) processJob(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["job"]
	if !ok {
		w.log.Warn().Str("message_id", msg.ID).Msg("Icon job missing 'job' field")
		w.ack(ctx, msg.ID)
		return
	}

	var job IconJob
	if err := json.Unmarshal([]byte(raw.(string)), &job); err != nil {
		w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to unmarshal icon job")
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.generateThumbnail(ctx, job); err != nil {
		if errors.Is(err, errPermanent) || w.deliveryCount(ctx, msg.ID) >= maxRetries {
			w.log.Warn().Err(err).Str("app_id", job.AppID).Msg("Icon thumbnail generation failed permanently")
			w.ack(ctx, msg.ID)
			return
		}
		w.log.Warn().Err(err).Str("app_id", job.AppID).Msg("Icon thumbnail generation failed, will retry")
		return
	}
	w.ack(ctx, msg.ID)
}

func (w *IconWorker) generateThumbnail(ctx context.Context, job IconJob) error {
	rc, err := w.storage.Get(ctx, job.StorageKey)
	if err != nil {
		if errors.Is(err, ErrStorageKeyNotFound) {
			return fmt.Errorf("read original icon: %w", errors.Join(err, errPermanent))
		}
		return fmt.Errorf("read original icon: %w", err)
	}
	defer func() { _ = rc.Close() }()

	img, _, err := image.Decode(rc)
	if err != nil {
		return fmt.Errorf("decode icon: %w", errors.Join(err, errPermanent))
	}

	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return fmt.Errorf("encode icon thumbnail: %w", errors.Join(err, errPermanent))
	}

	iconKey := "icons/" + job.AppID + ".jpg"
	if err := w.storage.Put(ctx, iconKey, &buf); err != nil {
		return fmt.Errorf("write icon thumbnail: %w", err)
	}

	appID, err := uuid.Parse(job.AppID)
	if err != nil {
		return fmt.Errorf("parse app id: %w", errors.Join(err, errPermanent))
	}

	if err := w.updater.SetIconPath(ctx, appID, iconKey); err != nil {
		return fmt.Errorf("update icon path: %w", err)
	}

	w.log.Debug().Str("app_id", job.AppID).Msg("Icon thumbnail generated")
	return nil
}

// deliveryCount returns how many times the given message has been delivered to a consumer. Returns maxRetries on
// error so the caller treats it as exhausted rather than retrying indefinitely.
func (w *IconWorker) deliveryCount(ctx context.Context, messageID string) int64 {
	pending, err := w.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: iconJobStream,
		Group:  consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return maxRetries
	}
	return pending[0].RetryCount
}

func (w *IconWorker) ack(ctx context.Context, messageID string) {
	if err := w.rdb.XAck(ctx, iconJobStream, consumerGroup, messageID).Err(); err != nil {
		w.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to ACK icon job")
	}
}

// EnqueueIconJob adds an icon thumbnail generation job to the stream.
func EnqueueIconJob(ctx context.Context, rdb *redis.Client, job IconJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal icon job: %w", err)
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: iconJobStream,
		Values: map[string]any{"job": string(data)},
	}).Err()
}

// IconQueue adapts a *redis.Client to the narrow interface handlers need to enqueue icon jobs without depending on
// go-redis directly.
type IconQueue struct {
	rdb *redis.Client
}

// NewIconQueue wraps rdb as an icon job enqueuer.
func NewIconQueue(rdb *redis.Client) *IconQueue {
	return &IconQueue{rdb: rdb}
}

// EnqueueIconJob adds job to the icon thumbnail stream.
func (q *IconQueue) EnqueueIconJob(ctx context.Context, job IconJob) error {
	return EnqueueIconJob(ctx, q.rdb, job)
}
