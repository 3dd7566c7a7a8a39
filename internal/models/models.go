package models

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusConverting  Status = "converting"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusSkipped
}

// Active reports whether s belongs to the item currently held by the Agent.
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusConverting
}

// QueueItem is one downloadable unit. Id comes from the catalog; Key is
// unique per add so re-adding the same track makes a new logical unit.
type QueueItem struct {
	Id          string `json:"id"`
	Key         string `json:"key"`
	Uri         string `json:"uri"`
	Name        string `json:"name"`
	Artist      string `json:"artist"`
	DurationMs  int64  `json:"durationMs"`
	Status      Status `json:"status"`
	AddedAt     int64  `json:"addedAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`
	Path        string `json:"path,omitempty"`
}

type QueueStatus struct {
	Current        *QueueItem  `json:"current"`
	Pending        []QueueItem `json:"pending"`
	History        []QueueItem `json:"history"`
	AgentConnected bool        `json:"agentConnected"`
}
