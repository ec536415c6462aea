package transport

import "sync"

const inboundChSize = 64

// session owns the reader and writer goroutines of one connection. The
// channel's tick code only touches it through the buffered channels.
type session struct {
	conn     Conn
	inbound  chan []byte
	outbound chan []byte
	errs     chan error
	done     chan struct{}

	readerDone chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newSession(conn Conn, queue int) *session {
	s := &session{
		conn:       conn,
		inbound:    make(chan []byte, inboundChSize),
		outbound:   make(chan []byte, queue),
		errs:       make(chan error, 2),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *session) readLoop() {
	defer close(s.readerDone)
	for {
		data, err := s.conn.Read()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.report(err)
			}
			return
		}
		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

// writeLoop drains outbound until stopped, then flushes what is left.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.outbound:
			if err := s.conn.Write(data); err != nil {
				s.report(err)
				return
			}
		case <-s.done:
			for {
				select {
				case data := <-s.outbound:
					if err := s.conn.Write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// stop ends both goroutines and closes the connection. With flush, queued
// frames are written before the close.
func (s *session) stop(flush bool) {
	s.once.Do(func() {
		if flush {
			close(s.done)
			<-s.writerDone
			_ = s.conn.Close()
		} else {
			_ = s.conn.Close()
			close(s.done)
			<-s.writerDone
		}
		<-s.readerDone
	})
}
