// Package collab defines the narrow contracts to the external collaborators
// (content generation, rendering, upload, analytics) and the shared retry
// envelope for calling them. Everything behind these interfaces is a thin
// call into an external API or CLI tool; none of it is core logic.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/scoring"
)

// Content is one generated question/answer candidate.
type Content struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

// Generator produces content candidates for a chosen template/topic. A
// failed or rejected candidate must be retried with a different candidate,
// never with identical output.
type Generator interface {
	Generate(ctx context.Context, template, topic string) (Content, error)
}

// RenderRequest carries everything a renderer needs for one item.
type RenderRequest struct {
	ItemID   string  `json:"item_id"`
	Kind     string  `json:"kind"`
	Template string  `json:"template"`
	Topic    string  `json:"topic"`
	Voice    string  `json:"voice"`
	Music    string  `json:"music"`
	Content  Content `json:"content"`
}

// RenderResult is the rendered artifact.
type RenderResult struct {
	VideoPath       string  `json:"video_path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Renderer turns an accepted item into a video file.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// UploadRequest carries the rendered file and its publish metadata. A future
// PublishAt is expressed as create-privately-then-schedule semantics by the
// implementation.
type UploadRequest struct {
	ItemID      string    `json:"item_id"`
	VideoPath   string    `json:"video_path"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	PublishAt   time.Time `json:"publish_at"`
}

// Uploader publishes a rendered file and returns the external video ID.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
}

// Analytics fetches a (possibly partial) metrics bundle for a published
// video.
type Analytics interface {
	FetchMetrics(ctx context.Context, videoID string, lookback time.Duration) (scoring.Bundle, error)
}

// permanentError marks a failure that must not be retried (malformed
// request, permanent auth failure, content validation).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry propagates it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry runs op under the configured exponential backoff with jitter.
// Transient failures (anything not marked Permanent) are retried up to the
// attempt budget; permanent failures propagate at once.
func Retry(ctx context.Context, cfg config.RetryConfig, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(cfg.InitialIntervalSeconds * float64(time.Second))
	eb.MaxInterval = time.Duration(cfg.MaxIntervalSeconds * float64(time.Second))
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithMaxRetries(backoff.WithContext(eb, ctx), uint64(cfg.MaxAttempts-1))
	if err := backoff.Retry(wrapped, b); err != nil {
		return fmt.Errorf("collaborator call failed: %w", err)
	}
	return nil
}
