package forwarder

import (
	"sync/atomic"

	"golang.org/x/crypto/ssh/agent"
)

// Session holds the two channels of one intercepted command plus the
// request parameters captured before exec. It is exclusively owned by
// the forwarder driving it for the duration of Forward.
type Session struct {
	Command []byte

	ClientChannel DuplexChannel
	ServerChannel ServerChannel

	PTY   *PTYRequest
	Agent agent.Agent

	// OnChannelClose, when set, is invoked once per channel after
	// teardown for higher-level bookkeeping (e.g. unregistering from
	// a session registry).
	OnChannelClose func(ch DuplexChannel)

	running int32
}

func NewSession(command []byte, client DuplexChannel, server ServerChannel) *Session {
	return &Session{
		Command:       command,
		ClientChannel: client,
		ServerChannel: server,
		running:       1,
	}
}

// Running reports whether the relay loop should keep going. It is the
// sole external cancellation signal, polled once per iteration.
func (s *Session) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Stop requests cooperative termination of the relay loop.
func (s *Session) Stop() {
	atomic.StoreInt32(&s.running, 0)
}

// CloseChannel performs session-level bookkeeping after a channel has
// been torn down. Idempotent; the channel may already be partially
// closed.
func (s *Session) CloseChannel(ch DuplexChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	if s.OnChannelClose != nil {
		s.OnChannelClose(ch)
	}
}
