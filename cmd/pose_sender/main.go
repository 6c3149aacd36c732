package main

import (
	"flag"
	"log"
	"math"
	"time"

	"slam3d-go/frame"
	"slam3d-go/particlefilter"
	"slam3d-go/publish"
)

// pose_sender publishes a synthetic tag walking a circle so downstream
// consumers can be checked without a live deployment.
func main() {
	udpAddr := flag.String("udp", "127.0.0.1:5555", "UDP destination (positions)")
	tcpAddr := flag.String("tcp", "", "TCP destination (warnings and beacons), empty to disable")
	header := flag.String("hdr", "AOX", "Header string")
	axesName := flag.String("axes", "zxy", "Device axis order of the published position")
	radius := flag.Float64("radius", 3.0, "Circle radius in metres")
	rate := flag.Duration("every", time.Second, "Interval between poses")
	flag.Parse()

	axes, err := frame.Parse(*axesName)
	if err != nil {
		log.Fatalf("Invalid axes: %v", err)
	}

	sender := publish.NewSender()
	sender.SetHeader(*header)
	if err := sender.AddUDPTarget(*udpAddr, publish.FlagPosition); err != nil {
		log.Fatalf("Failed to add UDP target: %v", err)
	}
	if *tcpAddr != "" {
		sender.AddTCPTarget(*tcpAddr, publish.FlagWarning|publish.FlagBeacon)
	}
	if err := sender.Start(); err != nil {
		log.Fatalf("Failed to start sender: %v", err)
	}
	defer sender.Stop()

	log.Println("Sender started. Press Ctrl+C to exit.")

	const tag = 0xB50AC
	for i := 0; ; i++ {
		a := float64(i) * 0.1
		e := particlefilter.Estimate{
			T:       float64(time.Now().UnixMicro()) / 1e6,
			X:       *radius * math.Cos(a),
			Y:       *radius * math.Sin(a),
			Z:       1.2,
			Heading: math.Remainder(a+math.Pi/2, 2*math.Pi),
		}
		sender.Send(publish.FormatTagPose(axes, e), publish.FlagPosition)
		sender.Send(publish.FormatBeacon(axes, tag, 1, particlefilter.Estimate{}), publish.FlagBeacon)
		if i%10 == 0 {
			sender.Send(publish.FormatWarning(tag, "synthetic pose"), publish.FlagWarning)
		}
		if d := sender.Dropped(); d > 0 && i%10 == 0 {
			log.Printf("TCP queue dropped %d messages", d)
		}
		time.Sleep(*rate)
	}
}
