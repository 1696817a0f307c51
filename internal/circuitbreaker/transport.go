package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/push"
)

// ProtectedTransport wraps a push.Transport with a Breaker. Invalid-token
// errors describe one device, not the provider, so they do not trip it.
type ProtectedTransport struct {
	next    push.Transport
	breaker *Breaker
	logger  *zap.Logger
}

// NewProtectedTransport decorates next.
func NewProtectedTransport(next push.Transport, breaker *Breaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{next: next, breaker: breaker, logger: logger}
}

// Send implements push.Transport. An open breaker surfaces as push.ErrTransport.
func (p *ProtectedTransport) Send(ctx context.Context, token string, payload push.Payload) (string, error) {
	var id string
	err := p.breaker.Execute(func() error {
		var err error
		id, err = p.next.Send(ctx, token, payload)
		return err
	}, func(err error) bool {
		return !errors.Is(err, push.ErrInvalidToken)
	})

	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Debug("push rejected by open breaker",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reminder_id", payload.Data.ReminderID),
		)
		return "", errors.Join(push.ErrTransport, err)
	}
	return id, err
}

// Breaker returns the wrapped breaker for the admin surface.
func (p *ProtectedTransport) Breaker() *Breaker { return p.breaker }
