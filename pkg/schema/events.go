package schema

// Event type constants for the execution audit log.
const (
	EventExecutionCreated       = "execution_created"
	EventExecutionStarted       = "execution_started"
	EventExecutionSucceeded     = "execution_succeeded"
	EventExecutionFailed        = "execution_failed"
	EventExecutionAwaitingOAuth = "execution_awaiting_oauth"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepNeedsAuth = "step_needs_auth"

	EventSchemaGap     = "schema_gap"
	EventRecordUpdated = "record_updated"

	EventScheduleFired = "schedule_fired"
)

// Schedule run summaries stored in Schedule.LastRunStatus.
const (
	RunStatusSuccess       = "success"
	RunStatusPartial       = "partial"
	RunStatusFailed        = "failed"
	RunStatusAwaitingOAuth = "awaiting_oauth"
	RunStatusEmpty         = "no_matches"
)
