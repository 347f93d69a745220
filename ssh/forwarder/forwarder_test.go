package forwarder

import (
	"bytes"
	"testing"
)

type fakeChannel struct {
	id       uint32
	remoteID uint32

	recvChunks   [][]byte
	stderrChunks [][]byte

	sent       [][]byte
	sentStderr [][]byte

	exitStatus      *uint32
	exitWhenDrained *uint32
	sentStatus      *uint32
	eofReceived bool
	closed      bool
	closeCalls  int

	ptyRequests int
	execCommand string
}

func (c *fakeChannel) RecvReady() bool { return len(c.recvChunks) > 0 }

func (c *fakeChannel) Recv(buf []byte) (int, error) {
	if len(c.recvChunks) == 0 {
		return 0, nil
	}
	n := copy(buf, c.recvChunks[0])
	c.recvChunks = c.recvChunks[1:]
	return n, nil
}

func (c *fakeChannel) RecvStderrReady() bool { return len(c.stderrChunks) > 0 }

func (c *fakeChannel) RecvStderr(buf []byte) (int, error) {
	if len(c.stderrChunks) == 0 {
		return 0, nil
	}
	n := copy(buf, c.stderrChunks[0])
	c.stderrChunks = c.stderrChunks[1:]
	return n, nil
}

func (c *fakeChannel) Send(data []byte) (int, error) {
	c.sent = append(c.sent, append([]byte(nil), data...))
	return len(data), nil
}

func (c *fakeChannel) SendStderr(data []byte) (int, error) {
	c.sentStderr = append(c.sentStderr, append([]byte(nil), data...))
	return len(data), nil
}

func (c *fakeChannel) ExitStatusReady() bool {
	if c.exitStatus != nil {
		return true
	}
	// an exit status never overtakes queued traffic
	return c.exitWhenDrained != nil && len(c.recvChunks) == 0 && len(c.stderrChunks) == 0
}

func (c *fakeChannel) RecvExitStatus() uint32 {
	if c.exitStatus == nil {
		c.exitStatus = c.exitWhenDrained
		c.exitWhenDrained = nil
	}
	status := *c.exitStatus
	c.exitStatus = nil
	return status
}

func (c *fakeChannel) SendExitStatus(status uint32) error {
	c.sentStatus = &status
	return nil
}

func (c *fakeChannel) EOFReceived() bool { return c.eofReceived }
func (c *fakeChannel) Closed() bool      { return c.closed }

func (c *fakeChannel) Close() error {
	c.closed = true
	c.closeCalls++
	return nil
}

func (c *fakeChannel) ID() uint32       { return c.id }
func (c *fakeChannel) RemoteID() uint32 { return c.remoteID }

func (c *fakeChannel) RequestPTY(req *PTYRequest) error {
	c.ptyRequests++
	return nil
}

func (c *fakeChannel) Exec(command string) error {
	c.execCommand = command
	return nil
}

type fakeControl struct {
	messages []interface{}
	detached []uint32
}

func (c *fakeControl) SendControlMessage(msg interface{}) error {
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeControl) DetachChannel(remoteID uint32) {
	c.detached = append(c.detached, remoteID)
}

func newTestForwarder(command string, client *fakeChannel, server *fakeChannel) (*SCPForwarder, *fakeControl) {
	control := &fakeControl{}
	var clientChannel DuplexChannel
	if client != nil {
		clientChannel = client
	}
	var serverChannel ServerChannel
	if server != nil {
		serverChannel = server
	}
	session := NewSession([]byte(command), clientChannel, serverChannel)
	return NewSCPForwarder(session, control, NopPolicy{}), control
}

func TestSendall(t *testing.T) {
	f, _ := newTestForwarder("scp -t /tmp", nil, nil)
	dest := &fakeChannel{}

	t.Run("empty buffer", func(t *testing.T) {
		calls := 0
		sent := f.sendall(dest, nil, func(data []byte) (int, error) {
			calls++
			return len(data), nil
		})
		if sent != 0 || calls != 0 {
			t.Errorf("sendall() = %d with %d calls, want 0 with 0 calls", sent, calls)
		}
	})

	t.Run("destination already exited", func(t *testing.T) {
		status := uint32(0)
		exited := &fakeChannel{exitStatus: &status}
		calls := 0
		sent := f.sendall(exited, []byte("data"), func(data []byte) (int, error) {
			calls++
			return len(data), nil
		})
		if sent != 0 || calls != 0 {
			t.Errorf("sendall() = %d with %d calls, want 0 with 0 calls", sent, calls)
		}
	})

	t.Run("zero progress aborts", func(t *testing.T) {
		calls := 0
		sent := f.sendall(dest, []byte("0123456789"), func(data []byte) (int, error) {
			calls++
			return 0, nil
		})
		if sent != 0 {
			t.Errorf("sendall() = %d, want 0", sent)
		}
		if calls != 1 {
			t.Errorf("send primitive called %d times, want 1", calls)
		}
	})

	t.Run("partial writes complete", func(t *testing.T) {
		calls := 0
		sent := f.sendall(dest, []byte("0123456789"), func(data []byte) (int, error) {
			calls++
			if len(data) > 4 {
				return 4, nil
			}
			return len(data), nil
		})
		if sent != 10 {
			t.Errorf("sendall() = %d, want 10", sent)
		}
		if calls != 3 {
			t.Errorf("send primitive called %d times, want 3", calls)
		}
	})
}

func TestCloseSession(t *testing.T) {
	client := &fakeChannel{id: 1, remoteID: 7}
	f, control := newTestForwarder("scp -t /tmp", client, &fakeChannel{})

	f.CloseSession(client)

	if len(control.messages) != 3 {
		t.Fatalf("got %d control messages, want 3", len(control.messages))
	}
	if msg, ok := control.messages[0].(ChannelEOFMsg); !ok || msg.PeersID != 7 {
		t.Errorf("messages[0] = %#v, want eof for channel 7", control.messages[0])
	}
	request, ok := control.messages[1].(ChannelRequestMsg)
	if !ok || request.Request != EOWExtension || request.WantReply {
		t.Errorf("messages[1] = %#v, want %s request without reply", control.messages[1], EOWExtension)
	}
	if msg, ok := control.messages[2].(ChannelCloseMsg); !ok || msg.PeersID != 7 {
		t.Errorf("messages[2] = %#v, want close for channel 7", control.messages[2])
	}
	if len(control.detached) != 1 || control.detached[0] != 7 {
		t.Errorf("detached = %v, want [7]", control.detached)
	}
	if !client.closed {
		t.Error("channel not closed")
	}

	// second call on the closed channel is a no-op
	f.CloseSession(client)
	if len(control.messages) != 3 || client.closeCalls != 1 {
		t.Error("CloseSession is not idempotent")
	}
}

func TestCloseSessionAfterEOF(t *testing.T) {
	client := &fakeChannel{id: 1, remoteID: 7, eofReceived: true}
	f, control := newTestForwarder("scp -t /tmp", client, &fakeChannel{})

	f.CloseSession(client)

	if len(control.messages) != 1 {
		t.Fatalf("got %d control messages, want only close", len(control.messages))
	}
	if _, ok := control.messages[0].(ChannelCloseMsg); !ok {
		t.Errorf("messages[0] = %#v, want close", control.messages[0])
	}
}

func TestForwardExitStatusFromServer(t *testing.T) {
	status := uint32(0)
	client := &fakeChannel{id: 1, remoteID: 7}
	server := &fakeChannel{id: 2, remoteID: 9, exitStatus: &status}
	f, control := newTestForwarder("scp -t /tmp", client, server)

	bookkeeping := 0
	f.session.OnChannelClose = func(DuplexChannel) { bookkeeping++ }

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}

	if server.execCommand != "scp -t /tmp" {
		t.Errorf("exec command = %q, want %q", server.execCommand, "scp -t /tmp")
	}
	if client.sentStatus == nil || *client.sentStatus != 0 {
		t.Errorf("client exit status = %v, want 0", client.sentStatus)
	}
	if len(control.messages) != 3 {
		t.Errorf("got %d control messages, want full teardown", len(control.messages))
	}
	if !client.closed {
		t.Error("client channel not closed")
	}
	if bookkeeping != 1 {
		t.Errorf("session bookkeeping ran %d times, want 1", bookkeeping)
	}
}

func TestForwardClientClosesFirst(t *testing.T) {
	client := &fakeChannel{id: 1, remoteID: 7, closed: true}
	server := &fakeChannel{id: 2, remoteID: 9}
	f, control := newTestForwarder("scp -t /tmp", client, server)

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}

	if server.closeCalls != 1 {
		t.Errorf("server channel closed %d times, want 1", server.closeCalls)
	}
	if len(control.messages) != 0 {
		t.Errorf("got %d control messages on an already closed channel, want 0", len(control.messages))
	}
	if client.sentStatus != nil || server.sentStatus != nil {
		t.Error("no exit status may be forwarded in this branch")
	}
}

func TestForwardClientExitStatusNotPropagated(t *testing.T) {
	status := uint32(1)
	client := &fakeChannel{id: 1, remoteID: 7, exitStatus: &status}
	server := &fakeChannel{id: 2, remoteID: 9}
	f, control := newTestForwarder("scp -t /tmp", client, server)

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}

	if server.sentStatus != nil {
		t.Errorf("server received exit status %d, want none", *server.sentStatus)
	}
	if len(control.messages) != 3 || !client.closed {
		t.Error("client channel must be torn down")
	}
}

func TestForwardRelaysTraffic(t *testing.T) {
	status := uint32(0)
	client := &fakeChannel{
		id:         1,
		remoteID:   7,
		recvChunks: [][]byte{[]byte("C0644 5 f.txt\n")},
	}
	server := &fakeChannel{
		id:              2,
		remoteID:        9,
		stderrChunks:    [][]byte{[]byte("some warning")},
		exitWhenDrained: &status,
	}
	f, _ := newTestForwarder("scp -t /tmp", client, server)

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}

	if len(server.sent) != 1 || !bytes.Equal(server.sent[0], []byte("C0644 5 f.txt\n")) {
		t.Errorf("server received %q, want the control line", server.sent)
	}
	if len(client.sentStderr) != 1 || !bytes.Equal(client.sentStderr[0], []byte("some warning")) {
		t.Errorf("client stderr received %q, want the warning", client.sentStderr)
	}
}

func TestForwardRemoteToRemote(t *testing.T) {
	client := &fakeChannel{id: 1, remoteID: 7}
	server := &fakeChannel{id: 2, remoteID: 9, closed: true}
	f, control := newTestForwarder("scp user@a:f user@b:f", client, server)

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}

	if server.execCommand != "scp user@a:f user@b:f" {
		t.Errorf("exec command = %q, want the copy command", server.execCommand)
	}
	if len(control.messages) != 3 || !client.closed {
		t.Error("client channel must be torn down once the remote side finished")
	}
}

func TestForwardWithoutClientChannel(t *testing.T) {
	server := &fakeChannel{id: 2, remoteID: 9}
	f, _ := newTestForwarder("scp -t /tmp", nil, server)

	err := f.Forward()
	if err == nil {
		t.Fatal("Forward() without a client channel must fail")
	}
}

func TestForwardRequestsPTY(t *testing.T) {
	status := uint32(0)
	client := &fakeChannel{id: 1, remoteID: 7}
	server := &fakeChannel{id: 2, remoteID: 9, exitStatus: &status}
	f, _ := newTestForwarder("scp -t /tmp", client, server)
	f.session.PTY = &PTYRequest{Term: "xterm", Columns: 80, Rows: 24}

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}
	if server.ptyRequests != 1 {
		t.Errorf("pty requested %d times, want 1", server.ptyRequests)
	}
}

func TestSessionStopEndsLoop(t *testing.T) {
	client := &fakeChannel{id: 1, remoteID: 7}
	server := &fakeChannel{id: 2, remoteID: 9}
	f, _ := newTestForwarder("scp -t /tmp", client, server)
	f.session.Stop()

	if err := f.Forward(); err != nil {
		t.Fatalf("Forward() returned error: %s", err)
	}
	if client.closed || server.closed {
		t.Error("stopped loop must not touch the channels")
	}
}
