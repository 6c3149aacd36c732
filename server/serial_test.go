package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestParseRangeLine(t *testing.T) {
	cases := []struct {
		line    string
		want    RangeSample
		wantErr bool
	}{
		{line: "257,3.25", want: RangeSample{AnchorID: 257, RangeM: 3.25}},
		{line: " 12.5, 258 , 4 \r", want: RangeSample{AnchorID: 258, RangeM: 4}},
		{line: "257", wantErr: true},
		{line: "1,2,3,4", wantErr: true},
		{line: "x,3.0", wantErr: true},
		{line: "-1,3.0", wantErr: true},
		{line: "257,far", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRangeLine(tc.line)
		if tc.wantErr {
			assert.Error(t, err, tc.line)
			continue
		}
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got)
	}
}

func TestSerialOptions(t *testing.T) {
	opts, err := SerialOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, SerialOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	mode, err := SerialOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.Mode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	for _, bad := range []SerialOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := bad.Mode()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestSerialRangeSourceFeedsSession(t *testing.T) {
	s := newTestServer(t, ModeLoc)
	input := strings.Join([]string{
		"257,2.00",
		"",
		"garbage",
		"1.5,258,6.00",
		"259,6.50",
		"",
	}, "\n")
	src := NewSerialRangeSource(s, 0xCAFE, strings.NewReader(input))
	src.now = func() time.Time { return time.Unix(100, 0) }

	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, 4, src.Lines)
	assert.Equal(t, 1, src.Bad)
	assert.EqualValues(t, 3, s.Counters().Ranges)

	tags := s.Tags()
	require.Len(t, tags, 1)
	assert.Equal(t, uint32(0xCAFE), tags[0].ID)
}
