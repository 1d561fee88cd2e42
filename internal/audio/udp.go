package audio

import (
	"fmt"
	"net"

	"github.com/pion/rtp"
)

const maxRTPPacket = 1500

// UDPSource reads RTP from a local UDP socket, e.g. one fed by
// `ffmpeg -f pulse -i default -c:a libopus -f rtp rtp://127.0.0.1:5004`.
type UDPSource struct {
	conn net.PacketConn
	buf  []byte
}

// ListenUDP returns an Opener for a UDP RTP feed on addr.
func ListenUDP(addr string) Opener {
	return func() (Source, error) {
		if addr == "" {
			return nil, fmt.Errorf("no capture address configured")
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		return &UDPSource{conn: conn, buf: make([]byte, maxRTPPacket)}, nil
	}
}

func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSource) ReadRTP() (*rtp.Packet, error) {
	for {
		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), s.buf[:n]...)); err != nil {
			// Not RTP; skip it.
			continue
		}
		return pkt, nil
	}
}

func (s *UDPSource) Close() error {
	return s.conn.Close()
}
