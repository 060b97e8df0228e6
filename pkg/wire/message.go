// Package wire defines the JSON message vocabulary spoken on room and
// dashboard WebSockets.
package wire

import "encoding/json"

// Frame types pushed to room subscribers.
const (
	TypeOutput             = "output"
	TypeActivity           = "activity"
	TypeSessionActivity    = "session_activity"
	TypeTTSStart           = "tts_start"
	TypeAudio              = "audio"
	TypeQuestion           = "question"
	TypeQuestionAnswered   = "question_answered"
	TypePermissionRequest  = "permission_request"
	TypePermissionResolved = "permission_resolved"
	TypeSessionLocked      = "session_locked"
	TypeSessionUnlocked    = "session_unlocked"
)

// Frame types received from room subscribers. Advisory; they drive talker
// lock acquisition.
const (
	TypeRecordingStarted = "recording_started"
	TypeRecordingStopped = "recording_stopped"
)

// Frame is the envelope for every JSON message on a room socket.
// Only the fields relevant to Type are populated.
type Frame struct {
	Type string `json:"type"`

	// output
	Data string `json:"data,omitempty"`

	// session_activity
	Session string `json:"session,omitempty"`
	Active  *bool  `json:"active,omitempty"`

	// tts_start
	Text string `json:"text,omitempty"`

	// audio, base64-encoded WAV
	Audio string `json:"audio,omitempty"`

	// question
	Header   string           `json:"header,omitempty"`
	Question string           `json:"question,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`

	// permission_request
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Message string          `json:"message,omitempty"`

	// session_locked
	Holder string `json:"holder,omitempty"`
}

// QuestionOption is one numbered choice in a structured question.
type QuestionOption struct {
	Number      string `json:"number"`
	Label       string `json:"label"`
	Description string `json:"description"`
	FreeText    bool   `json:"free_text,omitempty"`
}

// Output builds an output frame carrying pane text.
func Output(text string) Frame {
	return Frame{Type: TypeOutput, Data: text}
}

// Activity builds a bare activity frame.
func Activity() Frame {
	return Frame{Type: TypeActivity}
}

// SessionActivity builds a session_activity frame for session.
func SessionActivity(session string, active bool) Frame {
	return Frame{Type: TypeSessionActivity, Session: session, Active: &active}
}

// TTSStart announces that synthesized audio for text is about to stream.
func TTSStart(text string) Frame {
	return Frame{Type: TypeTTSStart, Text: text}
}

// AudioFrame carries one base64-encoded WAV payload.
func AudioFrame(b64 string) Frame {
	return Frame{Type: TypeAudio, Audio: b64}
}

// QuestionFrame broadcasts a parsed structured question.
func QuestionFrame(header, question string, options []QuestionOption) Frame {
	return Frame{Type: TypeQuestion, Header: header, Question: question, Options: options}
}

// QuestionAnswered signals that the pending question was resolved.
func QuestionAnswered() Frame {
	return Frame{Type: TypeQuestionAnswered}
}

// PermissionRequest broadcasts a pending tool-call permission request.
func PermissionRequest(tool string, input json.RawMessage, message string) Frame {
	return Frame{Type: TypePermissionRequest, Tool: tool, Input: input, Message: message}
}

// PermissionResolved signals that the pending permission request was resolved.
func PermissionResolved() Frame {
	return Frame{Type: TypePermissionResolved}
}

// SessionLocked announces the talker lock holder.
func SessionLocked(holder string) Frame {
	return Frame{Type: TypeSessionLocked, Holder: holder}
}

// SessionUnlocked announces release of the talker lock.
func SessionUnlocked() Frame {
	return Frame{Type: TypeSessionUnlocked}
}

// Encode serializes the frame to JSON.
func (f Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}
