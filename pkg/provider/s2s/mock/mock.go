// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to play the peer: push inbound audio and tool calls, end the
// session from the remote side, and inspect what the application sent.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.PushToolCall("1", "createTask", `{"title":"Call dentist"}`)
//	sess.ToolResults() // what the application answered
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh *Session for every call; see Sessions.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until the channel is closed or
	// the context is cancelled, whichever happens first.
	Block <-chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session created by Connect when Session is nil.
	Sessions []*Session

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	sess := NewSession(64)
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConfig() s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// LastSession returns the most recent session created by Connect when
// Session is nil, or nil if there is none. Thread-safe.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.Sessions = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle that plays the role
// of the remote peer.
type Session struct {
	mu      sync.Mutex
	inbound chan s2s.Message
	seq     uint64
	ended   bool
	err     error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendToolResultErr, if non-nil, is returned by SendToolResult.
	SendToolResultErr error

	// OnClose, if non-nil, is invoked on every Close call before the
	// inbound channel is closed.
	OnClose func()

	// AudioFrames records every frame passed to SendAudio, in order.
	AudioFrames []audio.Blob

	// Results records every result passed to SendToolResult, in order.
	Results []s2s.ToolResult

	// CallCountClose is the number of times Close was called.
	CallCountClose int
}

// NewSession creates a Session whose inbound channel holds buffer messages.
func NewSession(buffer int) *Session {
	return &Session{inbound: make(chan s2s.Message, buffer)}
}

// Push stamps msg with the next sequence number and queues it on the inbound
// channel. It returns false if the session has ended or the buffer is full.
func (s *Session) Push(msg s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.seq++
	msg.Seq = s.seq
	select {
	case s.inbound <- msg:
		return true
	default:
		s.seq--
		return false
	}
}

// PushAudio queues an inbound 24 kHz PCM frame.
func (s *Session) PushAudio(pcm []byte) bool {
	return s.Push(s2s.Message{
		Kind:  s2s.MessageAudio,
		Audio: audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: pcm},
	})
}

// PushToolCall queues an inbound tool call with the given JSON arguments.
func (s *Session) PushToolCall(id, name, args string) bool {
	return s.Push(s2s.Message{
		Kind:     s2s.MessageToolCall,
		ToolCall: s2s.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)},
	})
}

// End terminates the session from the peer side. A nil err models a clean
// remote close, a non-nil err a peer-reported failure.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.inbound)
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Session) SendAudio(frame audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.AudioFrames = append(s.AudioFrames, frame)
	return nil
}

// SendToolResult records the result and returns SendToolResultErr.
func (s *Session) SendToolResult(result s2s.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results = append(s.Results, result)
	return s.SendToolResultErr
}

// Inbound returns the peer message channel.
func (s *Session) Inbound() <-chan s2s.Message { return s.inbound }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, invokes OnClose, and closes the inbound channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	hook := s.OnClose
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.inbound)
	}
	return nil
}

// SentFrames returns a copy of all frames passed to SendAudio.
func (s *Session) SentFrames() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.AudioFrames))
	copy(out, s.AudioFrames)
	return out
}

// ToolResults returns a copy of all results passed to SendToolResult.
func (s *Session) ToolResults() []s2s.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.ToolResult, len(s.Results))
	copy(out, s.Results)
	return out
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
