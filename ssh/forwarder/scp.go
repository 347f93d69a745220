package forwarder

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var fileCommandRegexp = regexp.MustCompile(`^([CD])([0-7]{4})\s([0-9]+)\s(.*)\n`)
var endDirRegexp = regexp.MustCompile(`^E\n`)
var timestampRegexp = regexp.MustCompile(`^T([0-9]+)\s([0-9]+)\s([0-9]+)\s([0-9]+)\n`)

// FileRecord is one parsed C (file) or D (directory) control line.
type FileRecord struct {
	Command string
	Mode    string
	Size    int
	Name    string
}

// ParseControlLine decodes a C or D control line. ok is false for
// anything else (E and T records, payload, malformed lines).
func ParseControlLine(line []byte) (FileRecord, bool) {
	match := fileCommandRegexp.FindStringSubmatch(string(line))
	if match == nil {
		return FileRecord{}, false
	}
	size, err := strconv.Atoi(match[3])
	if err != nil {
		return FileRecord{}, false
	}
	return FileRecord{
		Command: match[1],
		Mode:    match[2],
		Size:    size,
		Name:    match[4],
	}, true
}

// SCPForwarder decodes the scp control-line protocol interleaved with
// file payload while relaying, routing every chunk to exactly one
// policy hook. For commands other than scp every hook is a pure
// pass-through.
type SCPForwarder struct {
	*SCPBaseForwarder

	awaitingResponse bool
	bytesRemaining   int
	gotCommandLine   bool

	fileCommand string
	fileMode    string
	fileSize    int
	fileName    string
}

func NewSCPForwarder(session *Session, control ControlWriter, policy Policy) *SCPForwarder {
	f := &SCPForwarder{SCPBaseForwarder: NewSCPBaseForwarder(session, control, policy)}
	f.trafficHook = f.handleTraffic
	return f
}

// handleTraffic routes one relayed chunk through the state machine.
// At most one of awaiting-command, awaiting-response and
// streaming-payload holds at any instant.
func (f *SCPForwarder) handleTraffic(traffic []byte, isClient bool) []byte {
	if !bytes.HasPrefix(f.session.Command, scpPrefix) {
		return traffic
	}

	if f.awaitingResponse {
		f.awaitingResponse = false
		return f.policy.OnResponse(traffic)
	}

	if f.bytesRemaining == 0 && !f.gotCommandLine {
		return f.handleCommand(traffic)
	}

	// bytesRemaining is intentionally not decremented here: once a
	// non-empty file record is open, everything counts as payload.
	// Byte-accurate progress tracking belongs to the policy.
	f.gotCommandLine = false
	return f.policy.OnData(traffic)
}

func (f *SCPForwarder) handleCommand(traffic []byte) []byte {
	f.gotCommandLine = false

	record, ok := ParseControlLine(traffic)
	if !ok {
		line := string(traffic)
		if endDirRegexp.MatchString(line) || timestampRegexp.MatchString(line) {
			f.logger.WithField("scp-line", strings.TrimSpace(line)).Debugln("got scp control line")
			return f.policy.OnCommand(traffic)
		}
		// Not a recognized control line, forward untouched.
		return traffic
	}

	f.logger.WithField("scp-line", strings.TrimSpace(string(traffic))).Debugln("got scp file record")
	f.gotCommandLine = true

	f.fileCommand = record.Command
	f.fileMode = record.Mode
	f.fileSize = record.Size
	f.bytesRemaining = record.Size
	f.fileName = record.Name

	// the far end answers with a single status byte next
	f.awaitingResponse = true
	return f.policy.OnCommand(traffic)
}

// FileCommand, FileMode, FileSize and FileName report the most
// recently parsed file record.
func (f *SCPForwarder) FileCommand() string { return f.fileCommand }
func (f *SCPForwarder) FileMode() string    { return f.fileMode }
func (f *SCPForwarder) FileSize() int       { return f.fileSize }
func (f *SCPForwarder) FileName() string    { return f.fileName }

// AwaitingResponse reports whether the next inbound chunk is expected
// to be a status reply.
func (f *SCPForwarder) AwaitingResponse() bool { return f.awaitingResponse }
