package shared

const (
	ProjectID = "clipforge-project" // Can be overridden by env var in main if needed

	// Stage job topics; the stage name is appended.
	TopicStagePrefix = "topic-stage-"

	CollectionStreams       = "streams"
	CollectionChunks        = "chunks"
	CollectionClips         = "clips"
	CollectionStageCounters = "stage_counters"

	EventSourceOrchestrator = "/clipforge/orchestrator"
	EventTypeStageJob       = "com.clipforge.stage.job"
)

// StageTopic returns the Pub/Sub topic carrying jobs for stage.
func StageTopic(stage string) string {
	return TopicStagePrefix + stage
}
