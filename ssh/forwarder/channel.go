package forwarder

// DuplexChannel is one side of an intercepted command: a duplex byte
// stream with separate primary and extended (stderr) sub-streams,
// non-blocking readiness queries and exit-status signaling.
//
// Readiness queries must never block. Recv/RecvStderr are only called
// after the matching readiness query returned true.
type DuplexChannel interface {
	RecvReady() bool
	Recv(buf []byte) (int, error)
	RecvStderrReady() bool
	RecvStderr(buf []byte) (int, error)

	Send(data []byte) (int, error)
	SendStderr(data []byte) (int, error)

	ExitStatusReady() bool
	RecvExitStatus() uint32
	SendExitStatus(status uint32) error

	EOFReceived() bool
	Closed() bool
	Close() error

	ID() uint32
	RemoteID() uint32
}

// ServerChannel is the upstream-facing side. It additionally runs the
// intercepted command on the remote.
type ServerChannel interface {
	DuplexChannel

	RequestPTY(req *PTYRequest) error
	Exec(command string) error
}

// PTYRequest mirrors the pty-req parameters the client asked for so
// they can be replayed on the upstream channel.
type PTYRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}
