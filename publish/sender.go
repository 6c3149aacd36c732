package publish

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"slam3d-go/config"
	"slam3d-go/monitoring"
)

const tcpQueueLen = 1000

type Message struct {
	Data []byte
	Flag uint32
}

type udpTarget struct {
	addr *net.UDPAddr
	mask uint32
}

// tcpClient owns one outbound connection and drains its queue in order.
type tcpClient struct {
	addr  string
	mask  uint32
	queue chan *Message
	stop  chan struct{}
	wg    sync.WaitGroup

	dropped atomic.Int64
}

// Sender fans pose messages out to UDP targets and queued TCP clients.
// Targets are added before Start; Send is safe for concurrent use.
type Sender struct {
	udpTargets []*udpTarget
	tcpClients []*tcpClient
	connUDP    *net.UDPConn
	header     []byte
	running    atomic.Bool
}

func NewSender() *Sender {
	return &Sender{}
}

// NewSenderFromTargets adds every project transfer target. Unknown types
// are treated as UDP.
func NewSenderFromTargets(targets []config.PublishTarget) (*Sender, error) {
	s := NewSender()
	for _, t := range targets {
		addr := net.JoinHostPort(t.Addr, strconv.Itoa(t.Port))
		if t.Type == "tcp" {
			s.AddTCPTarget(addr, t.Mask)
			monitoring.Logf("publish: tcp target %s (mask 0x%x)", addr, t.Mask)
			continue
		}
		if err := s.AddUDPTarget(addr, t.Mask); err != nil {
			return nil, fmt.Errorf("publish target %s: %w", addr, err)
		}
		monitoring.Logf("publish: udp target %s (mask 0x%x)", addr, t.Mask)
	}
	return s, nil
}

// SetHeader prefixes every message with "hdr:". Empty clears it.
func (s *Sender) SetHeader(hdr string) {
	if hdr == "" {
		s.header = nil
	} else {
		s.header = []byte(hdr + ":")
	}
}

func (s *Sender) AddUDPTarget(addr string, mask uint32) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.udpTargets = append(s.udpTargets, &udpTarget{addr: uaddr, mask: mask})
	return nil
}

func (s *Sender) AddTCPTarget(addr string, mask uint32) {
	s.tcpClients = append(s.tcpClients, &tcpClient{
		addr:  addr,
		mask:  mask,
		queue: make(chan *Message, tcpQueueLen),
		stop:  make(chan struct{}),
	})
}

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.connUDP = conn
	for _, c := range s.tcpClients {
		c.start()
	}
	s.running.Store(true)
	return nil
}

func (s *Sender) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.connUDP != nil {
		s.connUDP.Close()
	}
	for _, c := range s.tcpClients {
		c.close()
	}
}

// Send delivers data to every target whose mask covers flag. A full TCP
// queue drops the message.
func (s *Sender) Send(data []byte, flag uint32) {
	if !s.running.Load() {
		return
	}

	msgData := data
	if len(s.header) > 0 {
		msgData = make([]byte, len(s.header)+len(data))
		copy(msgData, s.header)
		copy(msgData[len(s.header):], data)
	}
	msg := &Message{Data: msgData, Flag: flag}

	for _, t := range s.udpTargets {
		if t.mask&flag == flag {
			// Best effort.
			_, _ = s.connUDP.WriteToUDP(msgData, t.addr)
		}
	}

	for _, c := range s.tcpClients {
		if c.mask&flag != flag {
			continue
		}
		select {
		case c.queue <- msg:
		default:
			c.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages TCP queues have discarded.
func (s *Sender) Dropped() int64 {
	var n int64
	for _, c := range s.tcpClients {
		n += c.dropped.Load()
	}
	return n
}

func (c *tcpClient) start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *tcpClient) close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	connect := func() bool {
		if conn != nil {
			return true
		}
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, 2*time.Second)
		if err != nil {
			conn = nil
			return false
		}
		return true
	}

	for {
		var msg *Message
		select {
		case <-c.stop:
			return
		case msg = <-c.queue:
		}

		if !connect() {
			select {
			case <-c.stop:
				return
			case <-time.After(500 * time.Millisecond):
			}
			if !connect() {
				c.dropped.Add(1)
				continue
			}
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(msg.Data); err != nil {
			monitoring.Logf("publish: tcp write to %s failed: %v", c.addr, err)
			conn.Close()
			conn = nil
			c.dropped.Add(1)
		}
	}
}
