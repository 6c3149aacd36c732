package publish

import (
	"fmt"
	"math"

	"slam3d-go/frame"
	"slam3d-go/particlefilter"
)

// Message classes. A target receives a message when its mask covers the flag.
const (
	FlagPosition = 0x1
	FlagWarning  = 0x2
	FlagBeacon   = 0x8

	FlagAll = FlagPosition | FlagWarning | FlagBeacon
)

// FormatTagPose renders "x,y,z,qx,qy,qz,qw" with the position in device
// axis order and the heading as a yaw-only quaternion.
func FormatTagPose(axes frame.Axes, e particlefilter.Estimate) []byte {
	x, y, z := axes.FromFilter(e.X, e.Y, e.Z)
	half := e.Heading / 2
	return fmt.Appendf(nil, "%f,%f,%f,%f,%f,%f,%f", x, y, z, 0.0, 0.0, math.Sin(half), math.Cos(half))
}

// FormatBeacon renders "tag,beacon,x,y,z" for a mapped beacon, device order.
func FormatBeacon(axes frame.Axes, tag uint32, beacon int, e particlefilter.Estimate) []byte {
	x, y, z := axes.FromFilter(e.X, e.Y, e.Z)
	return fmt.Appendf(nil, "%08X,%d,%f,%f,%f", tag, beacon, x, y, z)
}

// FormatWarning renders "tag,text" for operator-facing notices.
func FormatWarning(tag uint32, text string) []byte {
	return fmt.Appendf(nil, "%08X,%s", tag, text)
}
