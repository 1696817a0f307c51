// Package fanout routes one reminder to each of its recipients and
// aggregates the per-recipient outcomes.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/push"
)

// KindInvalidCouple is reported when a couple reminder has no safe
// recipient set.
const KindInvalidCouple = "invalid-couple"

// ErrInvalidCouple is returned by Recipients for couples that do not have
// exactly two members or whose creator is not one of them.
var ErrInvalidCouple = errors.New("invalid couple membership")

// Directory resolves users and couples.
type Directory interface {
	GetRecipient(ctx context.Context, userID string) (*domain.User, error)
	GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error)
}

// Sender delivers to one recipient; *push.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, rcpt push.Recipient, r *domain.Reminder, lang string, opts push.SendOptions) push.DeliveryOutcome
}

// Result aggregates one fan-out.
type Result struct {
	Success      bool                   `json:"success"`
	PerRecipient []push.DeliveryOutcome `json:"per_recipient"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
}

// TransportFailed reports whether any recipient hit a transport error, the
// only outcome worth retrying.
func (r Result) TransportFailed() bool {
	if r.ErrorKind == push.KindTransport {
		return true
	}
	for _, o := range r.PerRecipient {
		if o.ErrorKind == push.KindTransport {
			return true
		}
	}
	return false
}

// ErrorSummary renders failed outcomes for lastNotificationError, e.g.
// "bob:no-token". Empty when nothing failed.
func (r Result) ErrorSummary() string {
	if r.ErrorKind != "" {
		return r.ErrorKind
	}
	var parts []string
	for _, o := range r.PerRecipient {
		if !o.Success {
			parts = append(parts, o.RecipientID+":"+o.ErrorKind)
		}
	}
	return strings.Join(parts, ",")
}

// Coordinator fans reminders out.
type Coordinator struct {
	dir    Directory
	sender Sender
	logger *zap.Logger
}

// New returns a Coordinator.
func New(dir Directory, sender Sender, logger *zap.Logger) *Coordinator {
	return &Coordinator{dir: dir, sender: sender, logger: logger}
}

// Recipients resolves who receives r. Personal reminders go to the owner.
// Couple reminders go to the partner and to the creator; when the creator is
// unknown both members get the owner copy.
func (c *Coordinator) Recipients(ctx context.Context, r *domain.Reminder) ([]push.Recipient, error) {
	if r.Type != domain.TypeCouple {
		if r.OwnerID == "" {
			return nil, nil
		}
		return []push.Recipient{{UserID: r.OwnerID, Role: push.RoleOwner}}, nil
	}

	couple, err := c.dir.GetCouple(ctx, r.CoupleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: couple %s not found", ErrInvalidCouple, r.CoupleID)
		}
		return nil, fmt.Errorf("load couple %s: %w", r.CoupleID, err)
	}
	if len(couple.MemberIDs) != 2 || couple.MemberIDs[0] == couple.MemberIDs[1] {
		return nil, fmt.Errorf("%w: couple %s has %d members", ErrInvalidCouple, couple.ID, len(couple.MemberIDs))
	}

	if r.CreatorID == "" {
		return []push.Recipient{
			{UserID: couple.MemberIDs[0], Role: push.RoleOwner},
			{UserID: couple.MemberIDs[1], Role: push.RoleOwner},
		}, nil
	}
	if !slices.Contains(couple.MemberIDs, r.CreatorID) {
		return nil, fmt.Errorf("%w: creator %s is not a member of couple %s", ErrInvalidCouple, r.CreatorID, couple.ID)
	}

	partner := couple.MemberIDs[0]
	if partner == r.CreatorID {
		partner = couple.MemberIDs[1]
	}
	return []push.Recipient{
		{UserID: partner, Role: push.RolePartner},
		{UserID: r.CreatorID, Role: push.RoleCreator},
	}, nil
}

// Deliver sends r to every recipient concurrently. One recipient's failure
// never stops another's send; the result succeeds if any send did.
func (c *Coordinator) Deliver(ctx context.Context, r *domain.Reminder, lang string, at time.Time) Result {
	rcpts, err := c.Recipients(ctx, r)
	if err != nil {
		c.logger.Warn("fan-out aborted",
			zap.String("reminder_id", r.ID),
			zap.String("couple_id", r.CoupleID),
			zap.Error(err),
		)
		if errors.Is(err, ErrInvalidCouple) {
			return Result{ErrorKind: KindInvalidCouple}
		}
		return Result{ErrorKind: push.KindTransport}
	}
	if len(rcpts) == 0 {
		return Result{ErrorKind: push.KindNoRecipient}
	}

	opts := push.SendOptions{At: at, CreatorName: c.creatorName(ctx, r)}

	// Sends are independent: one recipient's failure never cancels the other.
	// Only a cancelled context stops a send that has not started yet.
	outcomes := make([]push.DeliveryOutcome, len(rcpts))
	var g errgroup.Group
	for i, rcpt := range rcpts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = push.DeliveryOutcome{RecipientID: rcpt.UserID, Role: rcpt.Role, ErrorKind: push.KindTransport}
				return err
			}
			outcomes[i] = c.sender.Send(ctx, rcpt, r, lang, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("fan-out interrupted, unsent recipients left for retry",
			zap.String("reminder_id", r.ID),
			zap.Error(err),
		)
	}

	res := Result{PerRecipient: outcomes}
	for _, o := range outcomes {
		if o.Success {
			res.Success = true
			break
		}
	}
	return res
}

func (c *Coordinator) creatorName(ctx context.Context, r *domain.Reminder) string {
	if r.Type != domain.TypeCouple || r.CreatorID == "" {
		return ""
	}
	u, err := c.dir.GetRecipient(ctx, r.CreatorID)
	if err != nil {
		c.logger.Debug("creator lookup failed",
			zap.String("reminder_id", r.ID),
			zap.String("creator_id", r.CreatorID),
			zap.Error(err),
		)
		return ""
	}
	return u.DisplayName
}
