package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"slam3d-go/binlog"
	"slam3d-go/server"
)

type tagStats struct {
	frames  map[uint16]int
	ranges  map[int]int
	minR    map[int]float64
	maxR    map[int]float64
	first   time.Time
	last    time.Time
	rssi    int
	motion  int
	odoDist float64
}

func newTagStats() *tagStats {
	return &tagStats{frames: map[uint16]int{}, ranges: map[int]int{}, minR: map[int]float64{}, maxR: map[int]float64{}}
}

var typeNames = map[uint16]string{
	server.TypeLoraRawDataUp: "raw-up",
	server.TypeTwrFrame:      "twr",
	server.TypeTwrFrameS:     "twr_s",
	server.TypeRssiFrame:     "rssi",
	server.TypeRssiFrameS:    "rssi_s",
	server.TypeVioFrame:      "vio",
}

// scan lists what a recording contains per tag: frame types, ranges per
// anchor and the time span covered.
func main() {
	pcapPath := flag.String("pcap", "", "Input PCAP file")
	flag.Parse()

	if *pcapPath == "" {
		fmt.Println("--pcap required")
		os.Exit(1)
	}

	r, err := binlog.Open(*pcapPath)
	if err != nil {
		fmt.Printf("open pcap failed: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	tags := map[uint32]*tagStats{}
	records, badFrames, anchors := 0, 0, 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Printf("read failed: %v\n", err)
			os.Exit(1)
		}
		records++
		if rec.Flag == binlog.FlagAnchor {
			if list, err := rec.Anchors(); err == nil {
				anchors = len(list)
			}
			continue
		}
		if !rec.IsData() {
			continue
		}
		badFrames += scanFrames(rec.Data, rec.Time, tags, 0)
	}

	fmt.Printf("Scanned %s: %d records, %d anchors recorded, %d bad frames\n", *pcapPath, records, anchors, badFrames)

	ids := make([]uint32, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st := tags[id]
		fmt.Printf("Tag %X: %s .. %s (%.1fs)\n", id, st.first.Format(time.TimeOnly), st.last.Format(time.TimeOnly), st.last.Sub(st.first).Seconds())
		for typ, n := range st.frames {
			name := typeNames[typ]
			if name == "" {
				name = fmt.Sprintf("0x%02x", typ)
			}
			fmt.Printf("  %-7s %d frames\n", name, n)
		}
		if st.motion > 0 {
			fmt.Printf("  odometer %.2f m over %d samples\n", st.odoDist, st.motion)
		}
		if st.rssi > 0 {
			fmt.Printf("  rssi readings %d\n", st.rssi)
		}
		anchorIDs := make([]int, 0, len(st.ranges))
		for a := range st.ranges {
			anchorIDs = append(anchorIDs, a)
		}
		sort.Ints(anchorIDs)
		for _, a := range anchorIDs {
			fmt.Printf("  anchor %04X: %d ranges [%.2f, %.2f] m\n", a, st.ranges[a], st.minR[a], st.maxR[a])
		}
	}
}

// scanFrames tallies the frames of one datagram and returns how many were
// malformed.
func scanFrames(data []byte, ts time.Time, tags map[uint32]*tagStats, parentFlags uint8) int {
	bad := 0
	for off := 0; len(data)-off >= server.UnibWrapLen; {
		hdr, err := server.ParseHeader(data[off:])
		if err != nil {
			off++
			continue
		}
		if off+hdr.FrameLen() > len(data) || server.CheckCrc(data[off:], hdr) != nil {
			bad++
			off++
			continue
		}
		body := data[off+server.UnibHdrLen : off+server.UnibHdrLen+hdr.BodyLen]
		off += hdr.FrameLen()

		flags := hdr.Flags | parentFlags
		if flags&server.FlagSeconds != 0 && len(body) > 0 {
			body = body[1:]
		}
		if hdr.Type == server.TypeLoraRawDataUp {
			if len(body) > 6 {
				bad += scanFrames(body[6:], ts, tags, hdr.Flags)
			}
			continue
		}

		st, ok := tags[hdr.Addr]
		if !ok {
			st = newTagStats()
			st.first = ts
			tags[hdr.Addr] = st
		}
		st.last = ts
		st.frames[hdr.Type]++

		switch hdr.Type {
		case server.TypeTwrFrame, server.TypeTwrFrameS:
			parse := server.ParseTwrFrame
			if hdr.Type == server.TypeTwrFrameS {
				parse = server.ParseTwrFrameS
			}
			samples, err := parse(body)
			if err != nil {
				bad++
				continue
			}
			for _, s := range samples {
				a := s.AnchorID & 0xFFFF
				if st.ranges[a] == 0 || s.RangeM < st.minR[a] {
					st.minR[a] = s.RangeM
				}
				if s.RangeM > st.maxR[a] {
					st.maxR[a] = s.RangeM
				}
				st.ranges[a]++
			}
		case server.TypeRssiFrame:
			samples, err := server.ParseRssiFrame(body)
			if err != nil {
				bad++
				continue
			}
			st.rssi += len(samples)
		case server.TypeRssiFrameS:
			samples, err := server.ParseRssiFrameS(body)
			if err != nil {
				bad++
				continue
			}
			st.rssi += len(samples)
		case server.TypeVioFrame:
			v, err := server.ParseVioFrame(body)
			if err != nil {
				bad++
				continue
			}
			st.motion++
			st.odoDist = v.Dist
		}
	}
	return bad
}
