package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogGateway delivers by writing the message to the log. Used in development
// when no provider transport is configured.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a log-only gateway
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, ProviderUnavailable("log", err)
	}
	id := "log-" + uuid.New().String()
	g.logger.Info("reminder dispatched",
		zap.String("external_id", id),
		zap.String("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", MaskAddress(msg.Recipient)),
		zap.String("subject", msg.Subject),
		zap.Int("body_length", len(msg.Body)))
	return Result{ExternalID: id, DeliveredOK: true}, nil
}
