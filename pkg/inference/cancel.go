package inference

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// Cancel revokes a running job on behalf of its owner. The ownership
// record decides authorization; the cancellation itself is a broadcast
// because only the executor instance running the job can act on it.
// Executors not running the job ignore the message.
func (o *Orchestrator) Cancel(ctx context.Context, p identity.Principal, jobID uuid.UUID) error {
	owner, err := o.kv.Owner(ctx, jobID)
	if err != nil {
		return err
	}
	if owner != p.ID {
		return errkind.Permission("job %s belongs to another user", jobID)
	}

	msg := models.CancelMessage{JobID: jobID, UserID: p.ID}
	if err := o.publisher.Broadcast(ctx, models.ExchangeJobControl, msg); err != nil {
		return err
	}

	// The broadcast is already out, so a failed delete only means the
	// record lingers until its TTL.
	if err := o.kv.DeleteOwner(ctx, jobID); err != nil {
		slog.Warn("Failed to delete ownership record after cancel", "job_id", jobID, "error", err)
	}

	slog.Info("Job cancellation broadcast", "job_id", jobID, "user_id", p.ID)
	return nil
}
