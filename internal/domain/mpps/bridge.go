package mpps

import (
	"context"

	"github.com/rs/zerolog"
)

// StatusBridge informs the order system that a performed procedure step
// reached a new status. Calls are synchronous and best effort: the caller
// bounds them with a timeout and only logs failures.
type StatusBridge interface {
	Notify(ctx context.Context, studyInstanceUID string, status Status) error
}

// BridgeFunc adapts a function to StatusBridge.
type BridgeFunc func(ctx context.Context, studyInstanceUID string, status Status) error

func (f BridgeFunc) Notify(ctx context.Context, studyInstanceUID string, status Status) error {
	return f(ctx, studyInstanceUID, status)
}

// LogBridge only logs transitions. It is the default when no order database
// is configured.
type LogBridge struct {
	logger zerolog.Logger
}

func NewLogBridge(logger zerolog.Logger) *LogBridge {
	return &LogBridge{logger: logger.With().Str("component", "status-bridge").Logger()}
}

func (b *LogBridge) Notify(_ context.Context, studyInstanceUID string, status Status) error {
	b.logger.Info().
		Str("study_instance_uid", studyInstanceUID).
		Str("performed_status", status.Downstream()).
		Msg("study performed status changed")
	return nil
}
