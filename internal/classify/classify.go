// Package classify provides the classifiers the guardian hands messages to:
// a remote gRPC service, an OpenAI-compatible LLM, the UI over the bridge and
// a local link heuristic.
package classify

import (
	"context"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
)

// DefaultTimeout bounds a single classification.
const DefaultTimeout = 60 * time.Second

// Classifier produces a verdict for one message.
type Classifier interface {
	Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, msg model.InboundMessage) (model.Verdict, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
	return f(ctx, msg)
}

// WithTimeout bounds every Classify call on c by d. A zero d returns c.
func WithTimeout(c Classifier, d time.Duration) Classifier {
	if d <= 0 {
		return c
	}
	return Func(func(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return c.Classify(ctx, msg)
	})
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
