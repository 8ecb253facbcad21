package shared

const (
	ProjectID = "stridesync-project" // Can be overridden by env var in main if needed

	TopicSyncChunk = "topic-sync-chunk"

	CollectionUsers      = "users"
	CollectionSessions   = "sync_sessions"
	CollectionRuns       = "runs"
	CollectionExecutions = "executions"
)
