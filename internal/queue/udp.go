package queue

import (
	"net"
	"strconv"

	logx "gridq/pkg/logx"
)

// UDPSender delivers wakeup datagrams over UDP. Sends are best-effort: a
// worker that misses one re-polls on its own wait timeout.
type UDPSender struct {
	log logx.Logger
}

func NewUDPSender(log logx.Logger) *UDPSender {
	return &UDPSender{log: log}
}

func (s *UDPSender) Send(host string, port uint16, payload []byte) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Debug("wakeup dial failed", logx.String("addr", addr), logx.Err(err))
		}
		return
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil && !s.log.IsZero() {
		s.log.Debug("wakeup write failed", logx.String("addr", addr), logx.Err(err))
	}
}
