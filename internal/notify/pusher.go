package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/tom-assistant/tom/internal/observability"
)

// Pusher fans one message out to every device of a recipient, dropping tokens
// FCM no longer recognizes.
type Pusher struct {
	tokens  *TokenStore
	sender  Sender
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPusher creates a pusher. metrics may be nil.
func NewPusher(tokens *TokenStore, sender Sender, logger *observability.Logger, metrics *observability.Metrics) *Pusher {
	return &Pusher{tokens: tokens, sender: sender, logger: logger, metrics: metrics}
}

// Push sends to every token of the recipient. It succeeds when at least one
// device accepted the message and fails when the recipient has no reachable
// device, so reminder rows stay pending and are retried.
func (p *Pusher) Push(ctx context.Context, recipient, title, body string) error {
	tokens, err := p.tokens.ForUser(ctx, recipient)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no registered device for %s", recipient)
	}

	delivered := 0
	for _, token := range tokens {
		err := p.sender.Send(ctx, token.Token, title, body)
		switch {
		case err == nil:
			delivered++
			p.countPush("ok")
		case errors.Is(err, ErrUnregistered):
			p.countPush("unregistered")
			p.logger.Info(ctx, "dropping unregistered token", "username", recipient)
			if err := p.tokens.Delete(ctx, token.Token); err != nil {
				p.logger.Warn(ctx, "token cleanup failed", "error", err)
			}
		default:
			p.countPush("error")
			p.logger.Warn(ctx, "push failed", "username", recipient, "error", err)
		}
	}
	if delivered == 0 {
		return fmt.Errorf("no device of %s accepted the push", recipient)
	}
	return nil
}

func (p *Pusher) countPush(outcome string) {
	if p.metrics != nil {
		p.metrics.PushCounter.WithLabelValues(outcome).Inc()
	}
}
