package session

import (
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/voxtask/internal/capture"
	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// ErrNotOpen is returned by the outbound sink for frames and tool results
// submitted while the session is not Open. Nothing is queued. It wraps
// [capture.ErrRejected] so that the capture pipeline counts such frames as
// rejected rather than failed.
var ErrNotOpen = fmt.Errorf("session: not open: %w", capture.ErrRejected)

// outbound is the session's single submission point towards the peer. It
// forwards to the provider handle only between entering Open and the start of
// teardown.
type outbound struct {
	handle s2s.SessionHandle
	open   atomic.Bool
}

var (
	_ capture.AudioSink = (*outbound)(nil)
	_ tools.ResultSink  = (*outbound)(nil)
)

func newOutbound(h s2s.SessionHandle) *outbound {
	return &outbound{handle: h}
}

func (o *outbound) setOpen(v bool) { o.open.Store(v) }

// SendAudio implements [capture.AudioSink].
func (o *outbound) SendAudio(frame audio.Blob) error {
	if !o.open.Load() {
		return ErrNotOpen
	}
	return o.handle.SendAudio(frame)
}

// SendToolResult implements [tools.ResultSink].
func (o *outbound) SendToolResult(result s2s.ToolResult) error {
	if !o.open.Load() {
		return ErrNotOpen
	}
	return o.handle.SendToolResult(result)
}
