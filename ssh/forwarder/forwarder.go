package forwarder

import (
	"bytes"
	"time"

	log "github.com/sirupsen/logrus"

	"sshmitm/common"
)

// BufferSize is the read size for one relay pass.
const BufferSize = 4096

const idleSleep = 100 * time.Millisecond
const remoteCopyPoll = time.Second

var scpPrefix = []byte("scp")

// SCPBaseForwarder relays all traffic of one intercepted command
// between the client-facing and the server-facing channel, propagates
// the exit status and performs explicit channel teardown. It is
// protocol-agnostic; interception happens through the hooks set by a
// layered forwarder.
type SCPBaseForwarder struct {
	session *Session
	control ControlWriter
	policy  Policy
	logger  *log.Entry

	trafficHook func(traffic []byte, isClient bool) []byte
	errorHook   func(traffic []byte) []byte
}

func NewSCPBaseForwarder(session *Session, control ControlWriter, policy Policy) *SCPBaseForwarder {
	if policy == nil {
		policy = NopPolicy{}
	}
	f := &SCPBaseForwarder{
		session: session,
		control: control,
		policy:  policy,
		logger:  log.WithField("command", string(session.Command)),
	}
	f.trafficHook = func(traffic []byte, _ bool) []byte { return traffic }
	f.errorHook = policy.OnError
	return f
}

// Forward blocks until the intercepted command's traffic is fully
// drained and both channels are torn down, or an unrecoverable error
// occurred.
func (f *SCPBaseForwarder) Forward() error {
	server := f.session.ServerChannel

	if f.session.PTY != nil {
		if err := server.RequestPTY(f.session.PTY); err != nil {
			return err
		}
	}
	if err := server.Exec(string(f.session.Command)); err != nil {
		return err
	}

	command := f.session.Command
	if bytes.HasPrefix(command, scpPrefix) &&
		!bytes.Contains(command, []byte(" -t ")) &&
		!bytes.Contains(command, []byte(" -f ")) {
		// Neither sink nor source: the proxy is not an endpoint of
		// this copy, the two remotes exchange the payload directly.
		// Nothing to relay, wait for the remote side to finish.
		if f.session.ClientChannel != nil {
			f.logger.WithField("chan", f.session.ClientChannel.ID()).Debugln("initiating scp remote to remote")
			if f.session.Agent == nil {
				f.logger.WithField("chan", f.session.ClientChannel.ID()).Warnln("scp remote to remote needs a forwarded agent")
			}
		}
		for !server.Closed() {
			time.Sleep(remoteCopyPoll)
		}
	}

	if err := f.relay(); err != nil {
		f.logger.WithError(err).Errorln("error processing scp command")
		return err
	}
	return nil
}

func (f *SCPBaseForwarder) relay() error {
	server := f.session.ServerChannel
	buf := make([]byte, BufferSize)

	for f.session.Running() {
		client := f.session.ClientChannel
		if client == nil {
			return common.ErrNoClientChannel
		}

		// stdout <-> stdin and stderr <-> stderr
		idle := true
		if client.RecvReady() {
			n, err := client.Recv(buf)
			if err != nil {
				return err
			}
			f.sendall(server, f.trafficHook(buf[:n], true), server.Send)
			idle = false
		}
		if server.RecvReady() {
			n, err := server.Recv(buf)
			if err != nil {
				return err
			}
			f.sendall(client, f.trafficHook(buf[:n], false), client.Send)
			idle = false
		}
		if client.RecvStderrReady() {
			n, err := client.RecvStderr(buf)
			if err != nil {
				return err
			}
			f.sendall(server, f.errorHook(buf[:n]), server.SendStderr)
			idle = false
		}
		if server.RecvStderrReady() {
			n, err := server.RecvStderr(buf)
			if err != nil {
				return err
			}
			f.sendall(client, f.errorHook(buf[:n]), client.SendStderr)
			idle = false
		}

		if server.ExitStatusReady() {
			status := server.RecvExitStatus()
			if err := client.SendExitStatus(status); err != nil {
				f.logger.WithError(err).Warnln("sending exit status failed")
			}
			f.CloseSession(client)
			f.logger.WithField("status", status).Infoln("remote command exited")
			return nil
		}
		if client.ExitStatusReady() {
			// The client is already satisfied; its status is
			// deliberately not forwarded upstream.
			client.RecvExitStatus()
			f.CloseSession(client)
			return nil
		}

		if client.Closed() {
			f.logger.Infoln("client channel closed")
			_ = server.Close()
			f.CloseSession(client)
			return nil
		}
		if server.Closed() {
			f.logger.Infoln("server channel closed")
			f.CloseSession(client)
			return nil
		}

		if idle {
			time.Sleep(idleSleep)
		}
	}
	return nil
}

// sendall pushes the whole buffer through sendfunc, retrying partial
// writes. A zero-progress send means the destination is dead; the rest
// of the buffer is abandoned and 0 is returned so the caller stops
// relaying this direction.
func (f *SCPBaseForwarder) sendall(ch DuplexChannel, data []byte, sendfunc func([]byte) (int, error)) int {
	if len(data) == 0 {
		return 0
	}
	if ch.ExitStatusReady() {
		// The remote side already finished, nothing to write to.
		return 0
	}
	sent := 0
	for sent != len(data) {
		n, err := sendfunc(data[sent:])
		if n == 0 || err != nil {
			return 0
		}
		sent += n
	}
	return sent
}

// CloseSession tears one side of the relay down at the protocol level.
// The channel was not opened through the transport's own close path,
// so EOF, the end-of-write notification and close are synthesized on
// the control writer directly, mirroring what a well-behaved peer does
// on normal stream closure.
func (f *SCPBaseForwarder) CloseSession(ch DuplexChannel) {
	if ch.Closed() {
		return
	}

	if !ch.EOFReceived() {
		if err := f.control.SendControlMessage(ChannelEOFMsg{PeersID: ch.RemoteID()}); err != nil {
			f.logger.WithError(err).Warnln("sending channel eof failed")
		}
		if err := f.control.SendControlMessage(ChannelRequestMsg{
			PeersID:   ch.RemoteID(),
			Request:   EOWExtension,
			WantReply: false,
		}); err != nil {
			f.logger.WithError(err).Warnln("sending end-of-write failed")
		}
	}

	if err := f.control.SendControlMessage(ChannelCloseMsg{PeersID: ch.RemoteID()}); err != nil {
		f.logger.WithError(err).Warnln("sending channel close failed")
	}

	f.control.DetachChannel(ch.RemoteID())

	f.session.CloseChannel(ch)
	f.logger.WithField("chan", ch.ID()).Debugln("scp channel closed")
}
