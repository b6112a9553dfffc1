// Package publisher delivers formatted posts to the configured channels.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"market-pulse-bot/internal/compose"
)

// ErrNotAuthenticated reports that the publish channel rejected the post
// because the session is not logged in. Callers treat this differently from
// a transient transport failure: retrying cannot help until a human
// re-establishes the session.
var ErrNotAuthenticated = errors.New("publisher: session not authenticated")

// Publisher 定义内容发布接口。
type Publisher interface {
	// Publish delivers the candidate. An error means the post did NOT go
	// out; the caller must not record it as published.
	Publish(ctx context.Context, candidate compose.Candidate) error
}

// LogPublisher writes the post to the log instead of an external channel.
// Used by dry runs.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher constructs a log-only publisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "publish_log").Logger()}
}

// Publish logs the full candidate text and succeeds.
func (p *LogPublisher) Publish(_ context.Context, candidate compose.Candidate) error {
	p.logger.Info().
		Str("fingerprint", candidate.Fingerprint).
		Int("length", len(candidate.Text)).
		Msg("dry-run publish:\n" + candidate.Text)
	return nil
}

// Multi fans a post out to several channels in order. The first failure
// aborts the sequence and is returned; channels already written stay
// written.
type Multi struct {
	publishers []Publisher
}

// NewMulti constructs a fan-out publisher.
func NewMulti(publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers}
}

// Publish delivers the candidate to every channel in order.
func (m *Multi) Publish(ctx context.Context, candidate compose.Candidate) error {
	if len(m.publishers) == 0 {
		return fmt.Errorf("publisher: no channels configured")
	}
	for _, p := range m.publishers {
		if err := p.Publish(ctx, candidate); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*Multi)(nil)
)
