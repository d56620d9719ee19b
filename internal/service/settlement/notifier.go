package settlement

import (
	"context"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/user"
)

// LogNotifier hands outcome notifications to the log stream. A delivery
// integration (email, push) replaces this at wiring time; the consumer only
// depends on the Notifier interface.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, recipient user.Contact, auctionID string, won bool) error {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	n.logger.Info("auction outcome",
		zap.String("auction_id", auctionID),
		zap.String("user_id", recipient.UserID),
		zap.String("email", recipient.Email),
		zap.String("outcome", outcome))
	return nil
}
