package ssh

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshmitm/common"
	"sshmitm/ssh/forwarder"
)

// streamQueue buffers chunks pumped off one sub-stream so readiness is
// a non-blocking query.
type streamQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	eof    bool
}

func (q *streamQueue) push(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = append(q.chunks, data)
}

func (q *streamQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = true
}

func (q *streamQueue) ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks) > 0
}

func (q *streamQueue) sawEOF() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eof
}

func (q *streamQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eof && len(q.chunks) == 0
}

// pop copies up to len(buf) bytes of the head chunk, re-queueing any
// remainder so no read is ever lost.
func (q *streamQueue) pop(buf []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return 0
	}
	head := q.chunks[0]
	n := copy(buf, head)
	if n < len(head) {
		q.chunks[0] = head[n:]
	} else {
		q.chunks = q.chunks[1:]
	}
	return n
}

func pumpStream(reader io.Reader, queue *streamQueue) {
	for {
		buf := make([]byte, forwarder.BufferSize)
		n, err := reader.Read(buf)
		if n > 0 {
			queue.push(buf[:n])
		}
		if err != nil {
			queue.finish()
			return
		}
	}
}

// channelAdapter exposes an ssh.Channel through the readiness-query
// surface the relay loop polls. One pump goroutine per sub-stream
// feeds a chunk queue, so readiness never blocks and no stream can
// starve the others.
type channelAdapter struct {
	channel ssh.Channel
	logger  *log.Entry

	// x/crypto/ssh hides wire channel ids, so the proxy assigns its
	// own; the control writer resolves them back to channels.
	id uint32

	primary streamQueue
	stderr  streamQueue

	mu         sync.Mutex
	exitStatus *uint32
	closed     bool
}

func newChannelAdapter(id uint32, channel ssh.Channel, logger *log.Entry) *channelAdapter {
	adapter := &channelAdapter{
		channel: channel,
		logger:  logger,
		id:      id,
	}
	go pumpStream(channel, &adapter.primary)
	go pumpStream(channel.Stderr(), &adapter.stderr)
	return adapter
}

// consumeRequests drains a channel's request stream, recording the
// exit status when it arrives.
func (a *channelAdapter) consumeRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exit-status":
			var msg exitStatusMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				a.logger.WithError(err).Warnln("parse exit-status failed")
			} else {
				a.mu.Lock()
				a.exitStatus = &msg.Status
				a.mu.Unlock()
			}
		}
		if req.WantReply {
			err := req.Reply(req.Type == "exit-status", nil)
			if err != nil {
				a.logger.WithError(err).Warnln("channel request reply failed")
			}
		}
	}
}

func (a *channelAdapter) RecvReady() bool { return a.primary.ready() }

func (a *channelAdapter) Recv(buf []byte) (int, error) {
	return a.primary.pop(buf), nil
}

func (a *channelAdapter) RecvStderrReady() bool { return a.stderr.ready() }

func (a *channelAdapter) RecvStderr(buf []byte) (int, error) {
	return a.stderr.pop(buf), nil
}

func (a *channelAdapter) Send(data []byte) (int, error) {
	return a.channel.Write(data)
}

func (a *channelAdapter) SendStderr(data []byte) (int, error) {
	return a.channel.Stderr().Write(data)
}

func (a *channelAdapter) ExitStatusReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitStatus != nil
}

func (a *channelAdapter) RecvExitStatus() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitStatus == nil {
		return 0
	}
	status := *a.exitStatus
	a.exitStatus = nil
	return status
}

func (a *channelAdapter) SendExitStatus(status uint32) error {
	_, err := a.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: status}))
	return err
}

func (a *channelAdapter) EOFReceived() bool { return a.primary.sawEOF() }

func (a *channelAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return true
	}
	// x/crypto/ssh surfaces a remote close as EOF on both streams.
	// The channel counts as closed once everything is drained and no
	// exit status is left to deliver (openssh sends exit-status
	// before eof, so the status branch always wins the race).
	return a.exitStatus == nil && a.primary.drained() && a.stderr.drained()
}

func (a *channelAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	return a.channel.Close()
}

func (a *channelAdapter) ID() uint32       { return a.id }
func (a *channelAdapter) RemoteID() uint32 { return a.id }

// serverAdapter is the upstream-facing adapter; it can additionally
// replay pty-req and run the intercepted command.
type serverAdapter struct {
	*channelAdapter
}

func (a *serverAdapter) RequestPTY(req *forwarder.PTYRequest) error {
	ok, err := a.channel.SendRequest("pty-req", true, ssh.Marshal(ptyRequestMsg{
		Term:     req.Term,
		Columns:  req.Columns,
		Rows:     req.Rows,
		Width:    req.Width,
		Height:   req.Height,
		Modelist: req.Modelist,
	}))
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrPTYRejected
	}
	return nil
}

func (a *serverAdapter) Exec(command string) error {
	ok, err := a.channel.SendRequest("exec", true, ssh.Marshal(execMsg{Command: command}))
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrExecRejected
	}
	return nil
}
