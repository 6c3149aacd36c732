package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"slam3d-go/monitoring"
)

// SerialOptions describes a UWB module's serial line.
type SerialOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills defaults (115200 8N1).
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.ToUpper(strings.TrimSpace(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// Mode converts the options for serial.Open.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// OpenSerial opens a serial port with the given options.
func OpenSerial(path string, opts SerialOptions) (serial.Port, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// SerialRangeSource feeds "beacon,range" (or "t,beacon,range") text lines
// from a directly attached UWB module into the session of one tag. Beacon
// ids are decimal, ranges metres. The device timestamp is ignored.
type SerialRangeSource struct {
	srv *UdpServer
	tag uint32
	r   io.Reader
	now func() time.Time

	Lines int
	Bad   int
}

func NewSerialRangeSource(srv *UdpServer, tag uint32, r io.Reader) *SerialRangeSource {
	return &SerialRangeSource{srv: srv, tag: tag, r: r, now: time.Now}
}

// ParseRangeLine decodes one serial line.
func ParseRangeLine(line string) (RangeSample, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	switch len(fields) {
	case 2:
	case 3:
		fields = fields[1:]
	default:
		return RangeSample{}, fmt.Errorf("range line %q: want 2 or 3 fields", line)
	}
	b, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || b < 0 {
		return RangeSample{}, fmt.Errorf("range line %q: bad beacon", line)
	}
	rng, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return RangeSample{}, fmt.Errorf("range line %q: bad range", line)
	}
	return RangeSample{AnchorID: b, RangeM: rng}, nil
}

// Run reads until EOF or ctx is cancelled. Cancelling closes r when it is
// an io.Closer so a blocked read returns.
func (src *SerialRangeSource) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	if c, ok := src.r.(io.Closer); ok {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-stop:
			}
		}()
	}

	sc := bufio.NewScanner(src.r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		src.Lines++
		smp, err := ParseRangeLine(line)
		if err != nil {
			src.Bad++
			monitoring.Logf("serial: %v", err)
			continue
		}
		src.srv.feedRanges(src.tag, nil, src.now(), []RangeSample{smp})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}
