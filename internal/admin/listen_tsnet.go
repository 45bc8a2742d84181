//go:build tsnet

package admin

import (
	"context"
	"net"

	"tailscale.com/tsnet"
)

// listen joins the tailnet when a hostname is configured, else falls back
// to the plain TCP listener.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.cfg.TsnetHostname == "" {
		return s.listenLocal()
	}
	srv := &tsnet.Server{
		Hostname: s.cfg.TsnetHostname,
		Dir:      s.cfg.TsnetStateDir,
		AuthKey:  s.cfg.TsnetAuthKey,
	}
	if _, err := srv.Up(ctx); err != nil {
		return nil, err
	}
	return srv.Listen("tcp", ":80")
}
