package common

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

func NewConnectionLog(conn ssh.ConnMetadata) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"remote-addr":    conn.RemoteAddr().String(),
		"client-version": string(conn.ClientVersion()),
		"user":           conn.User(),
	})
}

func NewChannelLog(id uint32) *logrus.Entry {
	return logrus.WithField("chan", id)
}
