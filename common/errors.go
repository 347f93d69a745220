package common

import "errors"

var ErrAuthNotAllowed = errors.New("auth not allowed")
var ErrHostKeyIsDirectory = errors.New("host key is directory")

var ErrNoClientChannel = errors.New("no client channel available")
var ErrNoUpstream = errors.New("no upstream connection")
var ErrExecRejected = errors.New("exec request rejected by remote")
var ErrPTYRejected = errors.New("pty request rejected by remote")
var ErrUnknownControlMessage = errors.New("unknown control message")
var ErrChannelDetached = errors.New("channel detached")
