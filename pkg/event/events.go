package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	Submission        = "submission"
	HelpRequest       = "help_request"
	NewSubmission     = "new_submission"
	RelayConnected    = "relay.connected"
	RelayDisconnected = "relay.disconnected"
)

// ============================================================================
// Relay frames
// ============================================================================

// Frame is one text frame on a relay socket.
type Frame struct {
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

// Notification is a frame received from a named relay source.
type Notification struct {
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Content    map[string]any `json:"content,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

func (n Notification) EventName() string { return n.Type }

// Decode maps the notification content onto out. Numbers and strings are
// converted loosely since upstream services are not consistent about ids.
func (n Notification) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(n.Content); err != nil {
		return fmt.Errorf("decode %s payload: %w", n.Type, err)
	}
	return nil
}

// ============================================================================
// Payloads
// ============================================================================

// SubmissionPayload is the content of a "submission" notification.
type SubmissionPayload struct {
	ExamName string             `mapstructure:"exam_name"`
	Email    string             `mapstructure:"email"`
	URLs     []string           `mapstructure:"urls"`
	Answers  []SubmissionAnswer `mapstructure:"answers"`
}

type SubmissionAnswer struct {
	Question string       `mapstructure:"question"`
	Answer   string       `mapstructure:"answer"`
	Files    []InlineFile `mapstructure:"files"`
}

// InlineFile is a base64 payload, optionally wrapped in a data: URI.
type InlineFile struct {
	Name string `mapstructure:"name"`
	Data string `mapstructure:"data"`
}

// InlineFiles returns every embedded file in the submission, including
// answers whose text is itself a base64 data URI.
func (s SubmissionPayload) InlineFiles() []InlineFile {
	var out []InlineFile
	for i, a := range s.Answers {
		out = append(out, a.Files...)
		if strings.HasPrefix(a.Answer, "data:") && strings.Contains(a.Answer, ";base64,") {
			out = append(out, InlineFile{Name: fmt.Sprintf("answer_%d", i+1), Data: a.Answer})
		}
	}
	return out
}

// HelpRequestPayload is the content of a "help_request" notification.
type HelpRequestPayload struct {
	ExamName string `mapstructure:"exam_name"`
	Email    string `mapstructure:"email"`
	Question string `mapstructure:"question"`
	Message  string `mapstructure:"message"`
}

// NewSubmissionPayload is the content of a "new_submission" broadcast.
type NewSubmissionPayload struct {
	ExamName string `mapstructure:"exam_name"`
	Email    string `mapstructure:"email"`
	Count    int    `mapstructure:"count"`
}

// ============================================================================
// Relay lifecycle
// ============================================================================

// RelayStateEvent is emitted when a relay source connects or drops.
type RelayStateEvent struct {
	Source    string `json:"source"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (e RelayStateEvent) EventName() string {
	if e.Connected {
		return RelayConnected
	}
	return RelayDisconnected
}
