package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/pcapgo"

	"slam3d-go/config"
)

// Record is one pcap record with its phdr2 header unpacked.
type Record struct {
	Time time.Time
	Flag uint16
	Port uint16
	IP   net.IP
	Data []byte
}

// IsData reports whether the record carries a received frame rather than
// a metadata block.
func (r Record) IsData() bool {
	switch r.Flag {
	case FlagAnchor, FlagTag, FlagStats:
		return false
	}
	return true
}

// UDPAddr returns the sender address of a data record.
func (r Record) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: r.IP, Port: int(r.Port)}
}

// Reader iterates over the records of a pcap recording.
type Reader struct {
	r *pcapgo.Reader
	c io.Closer
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Reader{r: pr}, nil
}

// Next returns the next record, or io.EOF at the end of the file. Records
// shorter than the phdr2 header are skipped. A record cut off by a crash
// ends the stream like io.EOF.
func (r *Reader) Next() (Record, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, err
		}
		if len(data) < Phdr2Len {
			continue
		}
		return Record{
			Time: ci.Timestamp,
			Flag: binary.LittleEndian.Uint16(data[0:2]),
			Port: binary.LittleEndian.Uint16(data[2:4]),
			IP:   net.IP(append([]byte(nil), data[4:8]...)),
			Data: data[Phdr2Len:],
		}, nil
	}
}

func (r *Reader) Close() error {
	if r.c != nil {
		return r.c.Close()
	}
	return nil
}

// ReadAll loads every record of a recording. With dataOnly set, metadata
// blocks are dropped.
func ReadAll(path string, dataOnly bool) ([]Record, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if dataOnly && !rec.IsData() {
			continue
		}
		out = append(out, rec)
	}
}

// anchorItemLen is id(8) x(4) y(4) z(4) layer(2) pad(2), positions in cm.
const anchorItemLen = 24

// WriteAnchors stores a deployment as a FlagAnchor block. The phdr2 port
// field carries the item count and the address field the item size.
func (pw *Writer) WriteAnchors(anchors []config.Anchor) error {
	data := make([]byte, len(anchors)*anchorItemLen)
	for i, a := range anchors {
		chunk := data[i*anchorItemLen:]
		binary.LittleEndian.PutUint64(chunk[0:], uint64(a.ID))
		binary.LittleEndian.PutUint32(chunk[8:], uint32(int32(cm(a.X))))
		binary.LittleEndian.PutUint32(chunk[12:], uint32(int32(cm(a.Y))))
		binary.LittleEndian.PutUint32(chunk[16:], uint32(int32(cm(a.Z))))
		binary.LittleEndian.PutUint16(chunk[20:], uint16(a.Layer))
	}
	ip := make(net.IP, 4)
	binary.LittleEndian.PutUint32(ip, anchorItemLen)
	return pw.WriteRecord(Record{
		Time: pw.now(),
		Flag: FlagAnchor,
		Port: uint16(len(anchors)),
		IP:   ip,
		Data: data,
	})
}

// Anchors decodes a FlagAnchor block. Truncated trailing items are dropped.
func (r Record) Anchors() ([]config.Anchor, error) {
	if r.Flag != FlagAnchor {
		return nil, fmt.Errorf("record flag 0x%x is not an anchor block", r.Flag)
	}
	if len(r.IP) != 4 {
		return nil, fmt.Errorf("anchor block: bad item size field")
	}
	n := int(r.Port)
	size := int(binary.LittleEndian.Uint32(r.IP))
	if size < 22 {
		return nil, fmt.Errorf("anchor block: item size %d", size)
	}
	out := make([]config.Anchor, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		if start+size > len(r.Data) {
			break
		}
		chunk := r.Data[start : start+size]
		out = append(out, config.Anchor{
			ID:    int(binary.LittleEndian.Uint64(chunk[0:8])),
			X:     float64(int32(binary.LittleEndian.Uint32(chunk[8:12]))) / 100.0,
			Y:     float64(int32(binary.LittleEndian.Uint32(chunk[12:16]))) / 100.0,
			Z:     float64(int32(binary.LittleEndian.Uint32(chunk[16:20]))) / 100.0,
			Layer: int(binary.LittleEndian.Uint16(chunk[20:22])),
		})
	}
	return out, nil
}

func cm(m float64) float64 {
	if m < 0 {
		return m*100 - 0.5
	}
	return m*100 + 0.5
}
