package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"slam3d-go/binlog"
	"slam3d-go/config"
	"slam3d-go/frame"
	"slam3d-go/monitoring"
	"slam3d-go/particlefilter"
	"slam3d-go/publish"
	"slam3d-go/store"
)

const (
	DefaultPort   = 44333
	MaxPacketSize = 65535
)

// Broadcaster receives JSON estimate messages, e.g. the websocket hub.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Publisher receives formatted pose messages, e.g. publish.Sender.
type Publisher interface {
	Send(data []byte, flag uint32)
}

// TagPosition is the latest estimate of one tag, position in device order.
type TagPosition struct {
	Type    string  `json:"type"`
	ID      uint32  `json:"id"`
	TS      int64   `json:"ts"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Heading float64 `json:"heading"`
	Mode    string  `json:"mode"`
}

// BeaconPosition is a SLAM beacon estimate as seen from one tag.
type BeaconPosition struct {
	Type   string  `json:"type"`
	Tag    uint32  `json:"tag"`
	Beacon int     `json:"beacon"`
	TS     int64   `json:"ts"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
}

type Options struct {
	Addr    string // listen address, default ":44333"
	Mode    Mode
	Tuning  *config.TuningConfig
	Anchors map[int]config.Anchor // short anchor id -> position, Loc mode
	SkipCrc bool
}

// Counters tallies traffic since start.
type Counters struct {
	Frames    int64
	BadFrames int64
	Motion    int64
	Ranges    int64
	Rssi      int64
	Rejected  int64 // outside the valid range window or too weak
	Failed    int64 // refused by the filter
}

type counters struct {
	frames, badFrames, motion, ranges, rssi, rejected, failed atomic.Int64
}

// UdpServer decodes UNIB frames and runs one filter per device address.
type UdpServer struct {
	conn *net.UDPConn
	opts Options
	cfg  particlefilter.Config
	axes frame.Axes
	rssi *particlefilter.RssiModel

	bias, std          float64
	minRange, maxRange float64
	timeout            time.Duration

	pcap  *binlog.Writer
	pub   Publisher
	hub   Broadcaster
	store *store.Store
	runID uuid.UUID

	anchorsMu sync.RWMutex
	anchors   map[int]config.Anchor

	mu       sync.Mutex
	sessions map[uint32]*session

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	count    counters
}

// New validates the options and builds a server without a socket. Use
// Listen before Start, or feed it through Replay.
func New(opts Options) (*UdpServer, error) {
	if opts.Tuning == nil {
		opts.Tuning = config.EmptyTuningConfig()
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	slam := opts.Mode == ModeSlam
	cfg := opts.Tuning.LocConfig()
	if slam {
		cfg = opts.Tuning.SlamConfig()
	}
	if err := cfg.Validate(slam); err != nil {
		return nil, err
	}
	axes, err := frame.Parse(opts.Tuning.GetAxes())
	if err != nil {
		return nil, err
	}
	rssi, err := opts.Tuning.RssiModel()
	if err != nil {
		return nil, err
	}
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	anchors := make(map[int]config.Anchor, len(opts.Anchors))
	for id, a := range opts.Anchors {
		anchors[id] = a
	}
	return &UdpServer{
		opts:     opts,
		cfg:      cfg,
		axes:     axes,
		rssi:     rssi,
		bias:     opts.Tuning.GetUwbBias(slam),
		std:      opts.Tuning.GetUwbStd(),
		minRange: opts.Tuning.GetMinRange(),
		maxRange: opts.Tuning.GetMaxRange(),
		timeout:  opts.Tuning.GetSessionTimeout(),
		anchors:  anchors,
		sessions: make(map[uint32]*session),
		done:     make(chan struct{}),
	}, nil
}

// NewUdpServer builds a server and binds its socket.
func NewUdpServer(opts Options) (*UdpServer, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Listen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UdpServer) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.opts.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	conn.SetReadBuffer(256 * 1024)
	s.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *UdpServer) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UdpServer) SetPcapWriter(pw *binlog.Writer) { s.pcap = pw }
func (s *UdpServer) SetPublisher(p Publisher)        { s.pub = p }
func (s *UdpServer) SetWebHub(h Broadcaster)         { s.hub = h }

// SetStore records every estimate under runID.
func (s *UdpServer) SetStore(st *store.Store, runID uuid.UUID) {
	s.store = st
	s.runID = runID
}

// SetAnchors replaces the deployment used by Loc sessions.
func (s *UdpServer) SetAnchors(anchors []config.Anchor) {
	m := make(map[int]config.Anchor, len(anchors))
	for _, a := range anchors {
		m[a.ID&0xFFFF] = a
	}
	s.anchorsMu.Lock()
	s.anchors = m
	s.anchorsMu.Unlock()
}

func (s *UdpServer) deployment() map[int]config.Anchor {
	s.anchorsMu.RLock()
	defer s.anchorsMu.RUnlock()
	return s.anchors
}

func (s *UdpServer) Counters() Counters {
	return Counters{
		Frames:    s.count.frames.Load(),
		BadFrames: s.count.badFrames.Load(),
		Motion:    s.count.motion.Load(),
		Ranges:    s.count.ranges.Load(),
		Rssi:      s.count.rssi.Load(),
		Rejected:  s.count.rejected.Load(),
		Failed:    s.count.failed.Load(),
	}
}

// Tags returns the latest position of every live tag, sorted by id.
func (s *UdpServer) Tags() []TagPosition {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	tags := make([]TagPosition, 0, len(list))
	for _, sess := range list {
		sess.mu.Lock()
		if sess.last != nil {
			tags = append(tags, *sess.last)
		}
		sess.mu.Unlock()
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags
}

// Stats returns the filter counters of one tag.
func (s *UdpServer) Stats(tag uint32) (particlefilter.Stats, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[tag]
	s.mu.Unlock()
	if !ok {
		return particlefilter.Stats{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.stats(), true
}

// Start reads datagrams until Stop. Idle sessions are pruned once a second.
func (s *UdpServer) Start() {
	s.running.Store(true)
	buf := make([]byte, MaxPacketSize)
	monitoring.Logf("UDP Server listening on %s", s.conn.LocalAddr().String())

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-tick.C:
				if n := s.PruneIdle(now); n > 0 {
					monitoring.Logf("server: pruned %d idle sessions", n)
				}
			}
		}
	}()

	for s.running.Load() {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			if s.running.Load() {
				monitoring.Logf("server: read error: %v", err)
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data, addr, time.Now())
	}
}

func (s *UdpServer) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// PruneIdle drops sessions not heard from within the session timeout.
func (s *UdpServer) PruneIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastSeen) > s.timeout
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, addr)
			n++
		}
	}
	return n
}

// handlePacket walks the UNIB frames of one datagram. ts stands in for the
// device clock.
func (s *UdpServer) handlePacket(data []byte, addr *net.UDPAddr, ts time.Time) {
	offset := 0
	for len(data)-offset >= UnibWrapLen {
		hdr, err := ParseHeader(data[offset:])
		if err != nil {
			offset++
			continue
		}
		total := hdr.FrameLen()
		if offset+total > len(data) {
			s.count.badFrames.Add(1)
			break
		}
		raw := data[offset : offset+total]
		if !s.opts.SkipCrc {
			if err := CheckCrc(raw, hdr); err != nil {
				s.count.badFrames.Add(1)
				offset++
				continue
			}
		}

		if s.pcap != nil {
			if err := s.pcap.WritePacket(binlog.FlagRxUdp, addr, raw); err != nil {
				monitoring.Logf("server: pcap write: %v", err)
			}
		}
		s.count.frames.Add(1)
		s.processFrame(hdr, raw[UnibHdrLen:UnibHdrLen+hdr.BodyLen], addr, ts, 0)
		offset += total
	}
}

func (s *UdpServer) processFrame(hdr UnibHeader, body []byte, gw *net.UDPAddr, ts time.Time, parentFlags uint8) {
	flags := hdr.Flags | parentFlags
	body = stripSeconds(body, flags)

	switch hdr.Type {
	case TypeLoraRawDataUp:
		// deviceID(4) rssi(2), or the legacy deviceID(2) rssi(2)
		offset := 4
		if len(body) >= 6 {
			offset = 6
		}
		if len(body) <= offset {
			return
		}
		inner := body[offset:]
		pos := 0
		for pos+UnibWrapLen <= len(inner) {
			in, err := ParseHeader(inner[pos:])
			if err != nil {
				pos++
				continue
			}
			total := in.FrameLen()
			if pos+total > len(inner) {
				break
			}
			s.processFrame(in, inner[pos+UnibHdrLen:pos+UnibHdrLen+in.BodyLen], gw, ts, hdr.Flags)
			pos += total
		}

	case TypeTwrFrame, TypeTwrFrameS:
		parse := ParseTwrFrame
		if hdr.Type == TypeTwrFrameS {
			parse = ParseTwrFrameS
		}
		samples, err := parse(body)
		if err != nil {
			s.count.badFrames.Add(1)
			monitoring.Logf("server: tag %08x: %v", hdr.Addr, err)
			return
		}
		s.feedRanges(hdr.Addr, gw, ts, samples)

	case TypeRssiFrame, TypeRssiFrameS:
		parse := ParseRssiFrame
		if hdr.Type == TypeRssiFrameS {
			parse = ParseRssiFrameS
		}
		samples, err := parse(body)
		if err != nil {
			s.count.badFrames.Add(1)
			monitoring.Logf("server: tag %08x: %v", hdr.Addr, err)
			return
		}
		s.feedRssi(hdr.Addr, gw, ts, samples)

	case TypeVioFrame:
		v, err := ParseVioFrame(body)
		if err != nil {
			s.count.badFrames.Add(1)
			monitoring.Logf("server: tag %08x: %v", hdr.Addr, err)
			return
		}
		s.feedVio(hdr.Addr, gw, ts, v)
	}
}

// session returns the locked session of a device, creating it on first
// contact. The caller unlocks.
func (s *UdpServer) session(addr uint32, gw *net.UDPAddr, ts time.Time) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[addr]
	if !ok {
		var err error
		sess, err = newSession(addr, s.opts.Mode, s.cfg)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.sessions[addr] = sess
		monitoring.Logf("server: new %s session for tag %08x", s.opts.Mode, addr)
	}
	// Touched under s.mu: PruneIdle must not drop a session being handed out.
	sess.mu.Lock()
	if ts.After(sess.lastSeen) {
		sess.lastSeen = ts
	}
	s.mu.Unlock()

	if gw != nil {
		sess.gw = gw
	}
	return sess, nil
}

func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixMicro()) / 1e6
}

func (s *UdpServer) feedVio(addr uint32, gw *net.UDPAddr, ts time.Time, v VioFrame) {
	sess, err := s.session(addr, gw, ts)
	if err != nil {
		monitoring.Logf("server: tag %08x: %v", addr, err)
		return
	}
	defer sess.mu.Unlock()

	x, y, z := s.axes.ToFilter(v.X, v.Y, v.Z)
	if err := sess.motion(unixSeconds(ts), x, y, z, v.Dist); err != nil {
		s.count.failed.Add(1)
		monitoring.Logf("server: tag %08x motion: %v", addr, err)
		return
	}
	s.count.motion.Add(1)
	s.emitTag(sess, ts)
}

// depositRanges applies bias correction and the valid window, then feeds
// every accepted sample to the session filter.
func (s *UdpServer) depositRanges(sess *session, samples []RangeSample) (accepted []int) {
	anchors := s.deployment()
	for _, smp := range samples {
		rng := smp.RangeM - s.bias
		if !(rng > s.minRange && rng < s.maxRange) {
			s.count.rejected.Add(1)
			continue
		}
		id := smp.AnchorID & 0xFFFF
		if err := sess.rangeTo(anchors, id, rng, s.std); err != nil {
			s.count.failed.Add(1)
			if !errors.Is(err, particlefilter.ErrUnknownBeacon) {
				monitoring.Logf("server: tag %08x range to %04x: %v", sess.addr, id, err)
			}
			continue
		}
		s.count.ranges.Add(1)
		accepted = append(accepted, id)
	}
	return accepted
}

func (s *UdpServer) feedRanges(addr uint32, gw *net.UDPAddr, ts time.Time, samples []RangeSample) {
	sess, err := s.session(addr, gw, ts)
	if err != nil {
		monitoring.Logf("server: tag %08x: %v", addr, err)
		return
	}
	defer sess.mu.Unlock()

	before := sess.stats().Degeneracies
	accepted := s.depositRanges(sess, samples)
	if len(accepted) == 0 {
		return
	}
	s.warnOnCollapse(sess, before)
	s.emitTag(sess, ts)
	for _, id := range accepted {
		s.emitBeacon(sess, id, ts)
	}
}

func (s *UdpServer) feedRssi(addr uint32, gw *net.UDPAddr, ts time.Time, samples []RssiSample) {
	sess, err := s.session(addr, gw, ts)
	if err != nil {
		monitoring.Logf("server: tag %08x: %v", addr, err)
		return
	}
	defer sess.mu.Unlock()

	before := sess.stats().Degeneracies
	anchors := s.deployment()
	applied := 0
	for _, smp := range samples {
		id := smp.AnchorID & 0xFFFF
		err := sess.rssiTo(anchors, s.rssi, id, smp.RSSIDb)
		switch {
		case errors.Is(err, errFarRssi):
			s.count.rejected.Add(1)
		case err != nil:
			s.count.failed.Add(1)
		default:
			s.count.rssi.Add(1)
			applied++
		}
	}
	if applied == 0 {
		return
	}
	s.warnOnCollapse(sess, before)
	s.emitTag(sess, ts)
}

func (s *UdpServer) warnOnCollapse(sess *session, before int) {
	if after := sess.stats().Degeneracies; after > before && s.pub != nil {
		msg := fmt.Sprintf("weights collapsed, recovered %d time(s)", after-before)
		s.pub.Send(publish.FormatWarning(sess.addr, msg), publish.FlagWarning)
	}
}

// emitTag pushes the current estimate of sess to every configured output.
// Caller holds sess.mu.
func (s *UdpServer) emitTag(sess *session, ts time.Time) {
	e, ok := sess.tagEstimate()
	if !ok {
		return
	}
	x, y, z := s.axes.FromFilter(e.X, e.Y, e.Z)
	pos := &TagPosition{
		Type:    "tag",
		ID:      sess.addr,
		TS:      ts.UnixMilli(),
		X:       x,
		Y:       y,
		Z:       z,
		Heading: e.Heading,
		Mode:    s.opts.Mode.String(),
	}
	sess.last = pos

	if s.pub != nil {
		s.pub.Send(publish.FormatTagPose(s.axes, e), publish.FlagPosition)
	}
	if s.hub != nil {
		if b, err := json.Marshal(pos); err == nil {
			s.hub.Broadcast(b)
		}
	}
	if s.store != nil {
		if err := s.store.RecordTag(s.runID, sess.addr, e); err != nil {
			monitoring.Logf("server: store: %v", err)
		}
	}
}

func (s *UdpServer) emitBeacon(sess *session, beacon int, ts time.Time) {
	e, ok := sess.beaconEstimate(beacon)
	if !ok {
		return
	}
	if s.pub != nil {
		s.pub.Send(publish.FormatBeacon(s.axes, sess.addr, beacon, e), publish.FlagBeacon)
	}
	if s.hub != nil {
		x, y, z := s.axes.FromFilter(e.X, e.Y, e.Z)
		msg := BeaconPosition{Type: "beacon", Tag: sess.addr, Beacon: beacon, TS: ts.UnixMilli(), X: x, Y: y, Z: z}
		if b, err := json.Marshal(msg); err == nil {
			s.hub.Broadcast(b)
		}
	}
	if s.store != nil {
		if err := s.store.RecordBeacon(s.runID, sess.addr, beacon, e); err != nil {
			monitoring.Logf("server: store: %v", err)
		}
	}
}
