package forwarder

// Policy is the interception seam: every relayed chunk passes through
// exactly one hook and the returned bytes are what gets forwarded.
// Returning the input unchanged keeps the proxy fully transparent.
type Policy interface {
	// OnCommand sees recognized scp control lines (C, D, E, T).
	OnCommand(line []byte) []byte
	// OnData sees raw file payload chunks.
	OnData(traffic []byte) []byte
	// OnResponse sees the status replies (0 ok, 1 warning, 2 fatal).
	OnResponse(traffic []byte) []byte
	// OnError sees extended (stderr) traffic in both directions.
	OnError(traffic []byte) []byte
}

// NopPolicy forwards everything untouched.
type NopPolicy struct{}

func (NopPolicy) OnCommand(line []byte) []byte     { return line }
func (NopPolicy) OnData(traffic []byte) []byte     { return traffic }
func (NopPolicy) OnResponse(traffic []byte) []byte { return traffic }
func (NopPolicy) OnError(traffic []byte) []byte    { return traffic }
