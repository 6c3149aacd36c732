package server

import (
	"errors"
	"io"
	"time"

	"slam3d-go/binlog"
	"slam3d-go/monitoring"
)

// Replay feeds a recording through the frame handler. speed scales the
// recorded pacing; 0 replays as fast as possible. Record timestamps stand
// in for receive time. An anchor block in the recording supplies the
// deployment when none is configured. Returns the number of data records.
func (s *UdpServer) Replay(path string, speed float64) (int, error) {
	r, err := binlog.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	monitoring.Logf("Replaying %s at %.1fx speed...", path, speed)

	var first time.Time
	startReal := time.Now()
	count := 0
	for {
		select {
		case <-s.done:
			return count, nil
		default:
		}

		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, err
		}

		if rec.Flag == binlog.FlagAnchor {
			anchors, err := rec.Anchors()
			if err != nil {
				monitoring.Logf("replay: %v", err)
				continue
			}
			if len(s.deployment()) == 0 {
				s.SetAnchors(anchors)
				monitoring.Logf("replay: loaded %d anchors from recording", len(anchors))
			}
			continue
		}
		if !rec.IsData() {
			continue
		}

		if first.IsZero() {
			first = rec.Time
			startReal = time.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Time.Sub(first)) / speed)
			if wait := target - time.Since(startReal); wait > 0 {
				time.Sleep(wait)
			}
		}

		count++
		s.handlePacket(rec.Data, rec.UDPAddr(), rec.Time)
	}
	monitoring.Logf("Replay loop ended. Total Packets: %d", count)
	return count, nil
}
