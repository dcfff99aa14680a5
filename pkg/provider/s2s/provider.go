// Package s2s defines the Provider interface for realtime speech-to-speech
// backends.
//
// An S2S provider wraps a conversational voice service that accepts raw audio
// input and returns synthesised audio output over a single, stateful duplex
// session. Besides audio, the session carries structured function-call
// requests from the model and their results back from the application.
//
// The central abstraction is [SessionHandle]: outbound traffic is submitted
// with fire-and-forget send methods, inbound traffic arrives on a single
// ordered [Message] channel so that consumers observe audio frames and tool
// calls in exactly the order the peer produced them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrWong99/voxtask/pkg/audio"
)

// ErrSessionClosed is returned (wrapped) by send methods after the session
// has been closed by either side.
var ErrSessionClosed = errors.New("s2s: session closed")

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new S2S session. It is
// sent once when the session opens and is not renegotiated.
type SessionConfig struct {
	// Voice is the provider-specific voice name. Empty selects the default.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Tools is the set of tool declarations offered to the model.
	Tools []ToolDefinition
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputRate is the sample rate of PCM audio the provider accepts.
	InputRate int

	// OutputRate is the sample rate of PCM audio the provider produces.
	OutputRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voice names available for this provider.
	Voices []string
}

// MessageKind discriminates the payload of an inbound [Message].
type MessageKind int

const (
	// MessageAudio carries one encoded audio frame in Message.Audio.
	MessageAudio MessageKind = iota + 1

	// MessageToolCall carries one function-call request in Message.ToolCall.
	MessageToolCall

	// MessageTranscript carries recognised or generated text in
	// Message.Transcript.
	MessageTranscript

	// MessageTurnComplete marks the end of a model turn.
	MessageTurnComplete

	// MessageInterrupted signals that the model stopped generating because
	// the user started speaking. Audio already delivered for the current turn
	// should be discarded.
	MessageInterrupted
)

// String returns the lower-case name of the kind.
func (k MessageKind) String() string {
	switch k {
	case MessageAudio:
		return "audio"
	case MessageToolCall:
		return "tool_call"
	case MessageTranscript:
		return "transcript"
	case MessageTurnComplete:
		return "turn_complete"
	case MessageInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Message is a single inbound event from the peer.
type Message struct {
	// Kind selects which payload field is set.
	Kind MessageKind

	// Seq is the arrival order assigned by the provider's receive loop,
	// starting at 1 and increasing by one per message.
	Seq uint64

	// Audio is set for MessageAudio.
	Audio audio.Blob

	// ToolCall is set for MessageToolCall.
	ToolCall ToolCall

	// Transcript is set for MessageTranscript.
	Transcript Transcript
}

// ToolCall is a function-call request from the model.
type ToolCall struct {
	// ID correlates the call with its [ToolResult].
	ID string

	// Name is the requested tool.
	Name string

	// Args is the raw JSON argument object.
	Args json.RawMessage
}

// ToolResult is the outcome of a [ToolCall], sent back exactly once.
type ToolResult struct {
	// ID is the correlation id of the originating call.
	ID string

	// Name is the tool name of the originating call.
	Name string

	// Response is the JSON object returned to the model.
	Response map[string]any
}

// Transcript is a piece of recognised user speech or generated model text.
type Transcript struct {
	// Role is "user" for input transcription and "model" for output.
	Role string

	// Text is the transcript fragment.
	Text string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Send methods are fire-and-forget: they return once the message has been
// handed to the transport and never wait for a reply. Submission order is
// preserved. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded audio frame to the peer.
	SendAudio(frame audio.Blob) error

	// SendToolResult delivers the result of a tool call to the peer.
	SendToolResult(result ToolResult) error

	// Inbound returns the ordered stream of peer events. The channel is closed
	// when the session ends for any reason; call Err afterwards to tell a
	// clean close from a failure. Consumers must drain it promptly.
	Inbound() <-chan Message

	// Err returns the error that ended the session, or nil if it ended
	// cleanly or is still running.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration and
	// returns once the peer has acknowledged the setup. The caller owns the
	// returned handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
