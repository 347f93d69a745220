package ssh

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"sshmitm/common"
	"sshmitm/ssh/auth"
	"sshmitm/ssh/forwarder"
	"sshmitm/ssh/host_key"
)

const upstreamDialTimeout = 10 * time.Second

// Server is the man-in-the-middle endpoint: it accepts clients,
// authenticates against the real remote by replaying the client's
// credentials and relays every executed command through an
// intercepting forwarder.
type Server struct {
	config   *ssh.ServerConfig
	endpoint string
	remote   string
	provider auth.AuthProvider
	registry *Registry

	upstreamLock sync.Mutex
	upstreams    map[string]*ssh.Client

	nextChannelID uint32
}

func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if !s.provider.Auth(conn.User()) {
		return nil, common.ErrAuthNotAllowed
	}

	clientConfig := &ssh.ClientConfig{
		User:            conn.User(),
		Auth:            []ssh.AuthMethod{ssh.Password(string(password))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // the proxy impersonates the remote host
		Timeout:         upstreamDialTimeout,
	}

	upstream, err := ssh.Dial("tcp", s.remote, clientConfig)
	if err != nil {
		return nil, err
	}

	s.upstreamLock.Lock()
	s.upstreams[conn.RemoteAddr().String()] = upstream
	s.upstreamLock.Unlock()
	return nil, nil
}

func (s *Server) authLogCallback(conn ssh.ConnMetadata, method string, err error) {
	connectionLog := common.NewConnectionLog(conn).WithField("method", method)
	if err == nil {
		connectionLog.Info("auth successful")
	} else {
		connectionLog.WithError(err).Warnln("auth failed")
	}
}

func (s *Server) takeUpstream(remoteAddr net.Addr) *ssh.Client {
	s.upstreamLock.Lock()
	defer s.upstreamLock.Unlock()
	upstream := s.upstreams[remoteAddr.String()]
	delete(s.upstreams, remoteAddr.String())
	return upstream
}

func (s *Server) nextID() uint32 {
	return atomic.AddUint32(&s.nextChannelID, 1)
}

func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return err
	}

	for {
		tcpConn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Warnln("accept failed")
			continue
		}
		go s.handleConn(tcpConn)
	}
}

func (s *Server) handleConn(tcpConn net.Conn) {
	connection, channels, reqs, err := ssh.NewServerConn(tcpConn, s.config)
	if err != nil {
		log.WithError(err).Warnln("handshake failed")
		return
	}

	logger := common.NewConnectionLog(connection)
	upstream := s.takeUpstream(connection.RemoteAddr())
	if upstream == nil {
		logger.Errorln(common.ErrNoUpstream)
		_ = connection.Close()
		return
	}

	go ssh.DiscardRequests(reqs)
	go s.handleChannels(connection, upstream, channels)
	go s.cleanup(connection, upstream)
}

func (s *Server) cleanup(connection *ssh.ServerConn, upstream *ssh.Client) {
	logger := common.NewConnectionLog(connection)

	err := connection.Wait()
	if err != nil && err != io.EOF {
		logger.WithError(err).Warnln("connection closed with error")
	}

	err = upstream.Close()
	if err != nil && err != io.EOF {
		logger.WithError(err).Warnln("closing upstream failed")
	}
}

func (s *Server) handleChannels(connection *ssh.ServerConn, upstream *ssh.Client, channels <-chan ssh.NewChannel) {
	logger := common.NewConnectionLog(connection)
	for newChannel := range channels {
		if newChannel.ChannelType() != sessionChannelType {
			err := newChannel.Reject(ssh.UnknownChannelType, "not supported")
			if err != nil {
				logger.WithError(err).Warnln("reject channel failed")
			}
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.WithError(err).Warnln("accept channel failed")
			continue
		}

		go s.handleSession(connection, upstream, channel, requests)
	}
}

// handleSession collects the session requests preceding exec (pty-req,
// agent forwarding, env) and hands the channel to the forwarder once
// the command arrives.
func (s *Server) handleSession(connection *ssh.ServerConn, upstream *ssh.Client, channel ssh.Channel, requests <-chan *ssh.Request) {
	logger := common.NewConnectionLog(connection)

	var pty *forwarder.PTYRequest
	var agentHandle agent.Agent

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				logger.WithError(err).Warnln("parse pty-req failed")
				s.reply(logger, req, false)
				continue
			}
			pty = &forwarder.PTYRequest{
				Term:     msg.Term,
				Columns:  msg.Columns,
				Rows:     msg.Rows,
				Width:    msg.Width,
				Height:   msg.Height,
				Modelist: msg.Modelist,
			}
			s.reply(logger, req, true)
		case agentRequestType:
			agentHandle = s.openAgent(connection, logger)
			s.reply(logger, req, agentHandle != nil)
		case "env":
			s.reply(logger, req, true)
		case "exec":
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				logger.WithError(err).Warnln("parse exec failed")
				s.reply(logger, req, false)
				continue
			}
			s.reply(logger, req, true)
			s.runForwarder(connection, upstream, channel, requests, msg.Command, pty, agentHandle)
			return
		default:
			s.reply(logger, req, false)
		}
	}
}

func (s *Server) reply(logger *log.Entry, req *ssh.Request, ok bool) {
	if !req.WantReply {
		return
	}
	if err := req.Reply(ok, nil); err != nil {
		logger.WithError(err).Warnf("reply %s failed", req.Type)
	}
}

// openAgent opens the forwarded-agent channel back to the client.
func (s *Server) openAgent(connection *ssh.ServerConn, logger *log.Entry) agent.Agent {
	channel, reqs, err := connection.OpenChannel(agentChannelType, nil)
	if err != nil {
		logger.WithError(err).Debugln("open agent channel failed")
		return nil
	}
	go ssh.DiscardRequests(reqs)
	return agent.NewClient(channel)
}

func (s *Server) runForwarder(connection *ssh.ServerConn, upstream *ssh.Client, clientChannel ssh.Channel, clientRequests <-chan *ssh.Request, command string, pty *forwarder.PTYRequest, agentHandle agent.Agent) {
	logger := common.NewConnectionLog(connection).WithField("command", command)

	serverChannel, serverRequests, err := upstream.OpenChannel(sessionChannelType, nil)
	if err != nil {
		logger.WithError(err).Errorln("open upstream session failed")
		_ = clientChannel.Close()
		return
	}

	control := newControlWriter()

	clientID := s.nextID()
	client := newChannelAdapter(clientID, clientChannel, common.NewChannelLog(clientID))
	control.register(clientID, clientChannel)
	go client.consumeRequests(clientRequests)

	serverID := s.nextID()
	server := &serverAdapter{newChannelAdapter(serverID, serverChannel, common.NewChannelLog(serverID))}
	control.register(serverID, serverChannel)
	go server.consumeRequests(serverRequests)

	session := forwarder.NewSession([]byte(command), client, server)
	session.PTY = pty
	session.Agent = agentHandle

	recordID := s.registry.Register(connection.User(), connection.RemoteAddr().String(), command)
	defer s.registry.Finish(recordID)

	fwd := forwarder.NewSCPForwarder(session, control, newAuditPolicy(s.registry, recordID))
	if err := fwd.Forward(); err != nil {
		logger.WithError(err).Errorln("forwarding failed")
	}
	session.Stop()
	_ = server.Close()
}

func NewServer(endpoint, remote, hostKey string, provider auth.AuthProvider, registry *Registry) (*Server, error) {
	key, err := host_key.LoadOrGenerateHostKey(hostKey)
	if err != nil {
		return nil, err
	}

	server := Server{
		endpoint:  endpoint,
		remote:    remote,
		provider:  provider,
		registry:  registry,
		upstreams: make(map[string]*ssh.Client),
	}
	server.config = &ssh.ServerConfig{
		PasswordCallback: server.passwordCallback,
		AuthLogCallback:  server.authLogCallback,
	}
	server.config.AddHostKey(key)
	return &server, nil
}
