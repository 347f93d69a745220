package ssh

// Session-protocol request payloads, mirrored from the unexported
// structs inside golang.org/x/crypto/ssh.
// Source: https://tools.ietf.org/html/rfc4254#section-6
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type execMsg struct {
	Command string
}

type exitStatusMsg struct {
	Status uint32
}

const sessionChannelType = "session"

const agentRequestType = "auth-agent-req@openssh.com"
const agentChannelType = "auth-agent@openssh.com"
