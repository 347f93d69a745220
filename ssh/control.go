package ssh

import (
	"sync"

	"golang.org/x/crypto/ssh"

	"sshmitm/common"
	"sshmitm/ssh/forwarder"
)

// controlWriter implements forwarder.ControlWriter on top of
// x/crypto/ssh, which exposes neither raw packet writes nor its
// channel table. EOF maps to CloseWrite, the end-of-write extension to
// a channel request and close to Close; detaching removes the channel
// from the proxy's own dispatch map.
type controlWriter struct {
	mu       sync.Mutex
	channels map[uint32]ssh.Channel
}

func newControlWriter() *controlWriter {
	return &controlWriter{channels: make(map[uint32]ssh.Channel)}
}

func (w *controlWriter) register(id uint32, channel ssh.Channel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channels[id] = channel
}

func (w *controlWriter) lookup(id uint32) (ssh.Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	channel, ok := w.channels[id]
	if !ok {
		return nil, common.ErrChannelDetached
	}
	return channel, nil
}

func (w *controlWriter) SendControlMessage(msg interface{}) error {
	switch m := msg.(type) {
	case forwarder.ChannelEOFMsg:
		channel, err := w.lookup(m.PeersID)
		if err != nil {
			return err
		}
		return channel.CloseWrite()
	case forwarder.ChannelRequestMsg:
		channel, err := w.lookup(m.PeersID)
		if err != nil {
			return err
		}
		_, err = channel.SendRequest(m.Request, m.WantReply, nil)
		return err
	case forwarder.ChannelCloseMsg:
		channel, err := w.lookup(m.PeersID)
		if err != nil {
			return err
		}
		return channel.Close()
	}
	return common.ErrUnknownControlMessage
}

func (w *controlWriter) DetachChannel(remoteID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.channels, remoteID)
}
