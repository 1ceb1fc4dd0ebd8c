package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to flush one outbound message.
	writeWait = 10 * time.Second

	// The connection is considered dead without a pong for this long.
	pongWait = 60 * time.Second

	// Ping cadence; must be under pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	outboundBuffer = 64
)

// socket is one signaling connection. The read loop owns the binding fields;
// the write loop owns the wire. Everything outbound goes through the out
// channel so responses and notifications never interleave mid-frame.
type socket struct {
	id   string
	conn *websocket.Conn

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Set after a successful join, cleared by leave. Only the read loop
	// touches these.
	conferenceID  string
	participantID string

	logger *logrus.Entry
}

func (s *socket) bound() bool {
	return s.participantID != ""
}

func (s *socket) bind(conferenceID, participantID string) {
	s.conferenceID = conferenceID
	s.participantID = participantID
}

func (s *socket) unbind() {
	s.conferenceID = ""
	s.participantID = ""
}

// enqueue hands a marshalled frame to the write loop. A consumer that cannot
// drain its buffer is cut off rather than allowed to stall the conference.
func (s *socket) enqueue(frame []byte) {
	select {
	case s.out <- frame:
	case <-s.closed:
	default:
		s.logger.Warn("outbound buffer full, dropping socket")
		s.close()
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writeLoop serializes all writes to the connection and keeps it alive with
// pings. Exits when the socket closes.
func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
