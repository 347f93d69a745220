package forwarder

import "golang.org/x/crypto/ssh"

// Source: https://tools.ietf.org/html/rfc4254#section-5
const (
	MsgChannelEOF     = 96
	MsgChannelClose   = 97
	MsgChannelRequest = 98
)

// EOWExtension is the OpenSSH vendor extension signaling the sender
// will write no more data on a channel. Some scp implementations wait
// for it before completing.
const EOWExtension = "eow@openssh.com"

type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type ChannelRequestMsg struct {
	PeersID   uint32 `sshtype:"98"`
	Request   string
	WantReply bool
}

// ControlWriter is the narrow seam to the transport used for channel
// teardown: the forwarder is not the channel's natural originator, so
// the control messages are synthesized instead of going through the
// channel's own close path.
type ControlWriter interface {
	SendControlMessage(msg interface{}) error
	DetachChannel(remoteID uint32)
}

// PacketWriter writes one marshaled connection-protocol message to the
// transport.
type PacketWriter interface {
	WritePacket(packet []byte) error
}

// Detacher removes a channel id from the transport's dispatch table so
// no further messages referencing it are routed.
type Detacher interface {
	DetachChannel(remoteID uint32)
}

// RawControlWriter implements ControlWriter on a transport exposing
// raw packet writes.
type RawControlWriter struct {
	Transport interface {
		PacketWriter
		Detacher
	}
}

func (w *RawControlWriter) SendControlMessage(msg interface{}) error {
	return w.Transport.WritePacket(ssh.Marshal(msg))
}

func (w *RawControlWriter) DetachChannel(remoteID uint32) {
	w.Transport.DetachChannel(remoteID)
}
