package binlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// Phdr2Len is the per-record header preceding every payload:
	// flag(2), port(2), ipv4(4).
	Phdr2Len = 8

	// SnapLen covers a full UDP datagram plus the record header.
	SnapLen = 65535 + Phdr2Len

	FlagAnchor = 0x04
	FlagTag    = 0x08
	FlagStats  = 0x10

	// FlagRxUdp marks frames received over UDP: RX_PKT(1) | RBB_PKT(8) | PROT_UDP(0x100).
	FlagRxUdp = 0x109
)

// Writer appends records to a pcap file. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   *pcapgo.Writer
	c   io.Closer
	buf []byte

	now func() time.Time
}

// Create opens path for writing and emits the pcap global header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewWriter writes the pcap global header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	// Readers ignore the link type; Ethernet keeps generic tools happy.
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Writer{w: pw, buf: make([]byte, 0, 2048), now: time.Now}, nil
}

// WritePacket records one received frame stamped with the current time.
func (pw *Writer) WritePacket(flag uint16, addr *net.UDPAddr, data []byte) error {
	rec := Record{Time: pw.now(), Flag: flag, Data: data}
	if addr != nil {
		rec.Port = uint16(addr.Port)
		rec.IP = addr.IP
	}
	return pw.WriteRecord(rec)
}

// WriteRecord records rec with its own timestamp.
func (pw *Writer) WriteRecord(rec Record) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.buf = appendPhdr2(pw.buf[:0], rec.Flag, rec.Port, rec.IP)
	pw.buf = append(pw.buf, rec.Data...)

	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Time,
		CaptureLength: len(pw.buf),
		Length:        len(pw.buf),
	}
	return pw.w.WritePacket(ci, pw.buf)
}

func (pw *Writer) Close() error {
	if pw.c != nil {
		return pw.c.Close()
	}
	return nil
}

func appendPhdr2(b []byte, flag, port uint16, ip net.IP) []byte {
	var hdr [Phdr2Len]byte
	binary.LittleEndian.PutUint16(hdr[0:], flag)
	binary.LittleEndian.PutUint16(hdr[2:], port)
	// Network byte order, as external tools expect.
	if ip4 := ip.To4(); ip4 != nil {
		copy(hdr[4:8], ip4)
	}
	return append(b, hdr[:]...)
}
