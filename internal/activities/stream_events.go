package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/verity-labs/dossier/internal/streaming"
)

// EmitTaskUpdate publishes one progress event to live subscribers and mirrors
// it to Redis for reconnect replay. Fire-and-forget from the scheduler's
// perspective; a lost event never fails the query.
func (a *Activities) EmitTaskUpdate(ctx context.Context, in EmitTaskUpdateInput) error {
	evt := in.event()

	if a.Events != nil {
		evt = a.Events.Publish(in.QueryHandle, evt)
	}
	if a.Mirror != nil {
		a.Mirror.Publish(ctx, evt)
	}
	if a.Events != nil && in.EventType == streaming.EventQueryCompleted {
		// Terminal event: live subscribers get it from their buffers, late
		// reconnects replay from the Redis mirror. The ring is done.
		a.Events.Forget(in.QueryHandle)
	}

	activity.GetLogger(ctx).Debug("task update emitted",
		"query_handle", in.QueryHandle,
		"event_type", in.EventType,
		"task_id", in.TaskID,
	)
	return nil
}
