package web

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"sshmitm/ssh"
)

var logger = logrus.WithField("component", "web")

// Server exposes the session registry for auditing: every intercepted
// command and its observed file transfers, as JSON.
type Server struct {
	endpoint string
	registry *ssh.Registry
}

func (s *Server) requestHandler(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/sessions" {
		ctx.Error("not found", http.StatusNotFound)
		return
	}

	body, err := json.Marshal(s.registry.Snapshot())
	if err != nil {
		logger.WithError(err).Warnln("marshal sessions failed")
		ctx.Error(err.Error(), http.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) Listen() error {
	return fasthttp.ListenAndServe(s.endpoint, s.requestHandler)
}

func NewServer(registry *ssh.Registry, endpoint string) *Server {
	return &Server{
		registry: registry,
		endpoint: endpoint,
	}
}
