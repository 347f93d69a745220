package main

import (
	"sshmitm/common"
	"sshmitm/ssh"
	"sshmitm/ssh/auth"
	"sshmitm/web"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

func main() {
	var cfg Configuration
	err := envconfig.Process(common.ApplicationName, &cfg)
	if err != nil {
		logrus.WithError(err).Fatal("process configuration failed")
	}

	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("parse log level failed")
	}
	logrus.SetLevel(logLevel)
	logrus.SetFormatter(&logrus.TextFormatter{})

	var authProvider auth.AuthProvider
	if len(cfg.UserWhitelist) == 0 {
		authProvider = auth.DefaultAuthProvider
	} else {
		authProvider = auth.NewWhitelistAuthProvider(cfg.UserWhitelist)
	}

	registry := ssh.NewRegistry()

	sshServer, err := ssh.NewServer(cfg.SSHEndpoint, cfg.RemoteEndpoint, cfg.HostKey, authProvider, registry)
	if err != nil {
		logrus.WithError(err).Fatalln("ssh server initialization failed")
	}

	go func() {
		if err = sshServer.Listen(); err != nil {
			logrus.WithError(err).Fatalln("ssh server listen failed")
		}
	}()

	webServer := web.NewServer(registry, cfg.WebEndpoint)
	if err = webServer.Listen(); err != nil {
		logrus.WithError(err).Fatalln("web server listen failed")
	}
}
