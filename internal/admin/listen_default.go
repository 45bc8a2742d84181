//go:build !tsnet

package admin

import (
	"context"
	"net"
)

// listen binds the plain TCP listener. The tsnet variant is selected with
// -tags tsnet.
func (s *Server) listen(context.Context) (net.Listener, error) {
	return s.listenLocal()
}
