package server

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"time"
)

// ServeControl answers management commands on a unix socket, one command per
// connection:
//
//	stats     -> OK|<Stats()>
//	shutdown  -> OK|Shutting down, then stop is called
func (s *Server) ServeControl(ctx context.Context, path string, stop func()) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("Control socket listening", "path", path)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleControlCommand(conn, stop)
	}
}

func (s *Server) handleControlCommand(conn net.Conn, stop func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + s.Stats() + "\n"))
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		s.log.Info("Shutdown requested on control socket")
		stop()
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
