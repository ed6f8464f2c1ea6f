// Types shared by the run driver and the assistant backends
package models

import "time"

// RunStatus is the lifecycle state of one run as reported by the backend.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Error codes reported by backends for failed runs.
const (
	RunErrorRateLimit = "rate_limit_exceeded"
	RunErrorQuota     = "insufficient_quota"
)

// Role of a message appended to a remote conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall is a single function invocation requested by the model mid-run.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RunError describes why a run failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a snapshot of one execution of the model against a conversation.
type Run struct {
	ID               string     `json:"id"`
	ThreadID         string     `json:"thread_id"`
	Status           RunStatus  `json:"status"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`
	LastError        *RunError  `json:"last_error,omitempty"`
}

// FileRef references a file already uploaded to the backend.
type FileRef struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename,omitempty"`
}

// TurnMessage is one message appended to a remote conversation.
type TurnMessage struct {
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	Attachments []FileRef `json:"attachments,omitempty"`
}

// Annotation kinds.
const (
	AnnotationFileCitation = "file_citation"
	AnnotationFilePath     = "file_path"
)

// Annotation marks a substring of generated text, usually a citation marker.
type Annotation struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	FileID string `json:"file_id,omitempty"`
}

// TextBlock is the text content of an output message.
type TextBlock struct {
	Value       string       `json:"value"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// ContentBlock is one element of an output message's content.
type ContentBlock struct {
	Type string     `json:"type"` // text, image_file, image_url
	Text *TextBlock `json:"text,omitempty"`
}

// OutputMessage is a message produced by a completed run, newest first.
type OutputMessage struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// FileInfo is backend metadata for an uploaded file.
type FileInfo struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// Answer is what a finished turn hands back to the chat surface.
type Answer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Advisory  bool     `json:"advisory,omitempty"`
}
