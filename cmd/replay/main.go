package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"slam3d-go/binlog"
)

func main() {
	pcapPath := flag.String("pcap", "", "Input PCAP file")
	destAddr := flag.String("dest", "127.0.0.1:44333", "Destination UDP address")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("--pcap required")
	}

	// Resolve destination
	raddr, err := net.ResolveUDPAddr("udp", *destAddr)
	if err != nil {
		log.Fatalf("Invalid dest address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	r, err := binlog.Open(*pcapPath)
	if err != nil {
		log.Fatalf("Open pcap failed: %v", err)
	}
	defer r.Close()

	log.Printf("Replaying %s to %s...", *pcapPath, *destAddr)

	var first time.Time
	var startReal time.Time
	count := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Read record failed: %v", err)
		}
		// Only data packets are replayed
		if !rec.IsData() {
			continue
		}

		if first.IsZero() {
			first = rec.Time
			startReal = time.Now()
		} else if *speed > 0 {
			target := time.Duration(float64(rec.Time.Sub(first)) / *speed)
			if wait := target - time.Since(startReal); wait > 0 {
				time.Sleep(wait)
			}
		}

		if _, err := conn.Write(rec.Data); err != nil {
			log.Printf("Write error: %v", err)
		}
		count++
		if count%1000 == 0 {
			fmt.Printf("\rSent %d packets...", count)
		}
	}
	fmt.Printf("\nDone. Sent %d packets.\n", count)
}
