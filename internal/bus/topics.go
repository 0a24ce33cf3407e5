package bus

// Message lifecycle topics.
const (
	TopicMessagesClaimed    = "messages.claimed"
	TopicMessagesProcessed  = "messages.processed"
	TopicMessagesRolledBack = "messages.rolled_back"
)

// Task ledger topics.
const (
	TopicTaskInserted = "task.inserted"
	TopicTaskUpdated  = "task.updated"
)

// MessagesClaimedEvent is published when a batch of pending messages is
// claimed for processing.
type MessagesClaimedEvent struct {
	SessionID string
	RunID     string
	Count     int
}

// MessagesProcessedEvent is published when a claimed batch finishes and is
// marked processed.
type MessagesProcessedEvent struct {
	SessionID string
	RunID     string
	Count     int
	Rounds    int
}

// MessagesRolledBackEvent is published when a failed run releases its
// claimed messages back to pending. RunID is empty when the sweeper
// requeues a stuck claim outside any run.
type MessagesRolledBackEvent struct {
	SessionID string
	RunID     string
	Count     int
	Reason    string
}

// TaskEvent is published on task insertion or update.
type TaskEvent struct {
	SessionID string
	TaskID    string
	Position  int
	Status    string
}
