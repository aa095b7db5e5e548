package protocol

import "encoding/json"

// ProgressStatus is the lifecycle stage reported by a progress update.
type ProgressStatus string

const (
	StatusStarted    ProgressStatus = "started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
	StatusError      ProgressStatus = "error"
)

// ProgressUpdate is emitted by the host while a long command runs. A
// completed status is informational; the command still ends with a
// terminal message reply.
type ProgressUpdate struct {
	CommandID      string          `json:"commandId"`
	CommandType    string          `json:"commandType,omitempty"`
	Status         ProgressStatus  `json:"status"`
	Progress       int             `json:"progress"`
	TotalItems     int             `json:"totalItems"`
	ProcessedItems int             `json:"processedItems"`
	Message        string          `json:"message,omitempty"`
	CurrentChunk   *int            `json:"currentChunk,omitempty"`
	TotalChunks    *int            `json:"totalChunks,omitempty"`
	ChunkSize      *int            `json:"chunkSize,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Chunked reports whether the update carries chunk metadata.
func (u ProgressUpdate) Chunked() bool {
	return u.CurrentChunk != nil && u.TotalChunks != nil
}

// NewProgress wraps an update in a progress_update frame addressed to the
// update's command id.
func NewProgress(channel string, update ProgressUpdate) *Progress {
	update.Progress = clampPercent(update.Progress)
	return &Progress{ID: update.CommandID, Channel: channel, Update: update}
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
