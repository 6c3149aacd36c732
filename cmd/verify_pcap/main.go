package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"

	"slam3d-go/binlog"
	"slam3d-go/server"
)

func main() {
	file1 := flag.String("1", "", "Original PCAP")
	file2 := flag.String("2", "", "Replayed PCAP")
	flag.Parse()

	if *file1 == "" || *file2 == "" {
		log.Fatal("Usage: verify_pcap -1 <original> -2 <replayed>")
	}

	pkts1, err := binlog.ReadAll(*file1, true)
	if err != nil {
		log.Fatalf("Error reading %s: %v", *file1, err)
	}
	pkts2, err := binlog.ReadAll(*file2, true)
	if err != nil {
		log.Fatalf("Error reading %s: %v", *file2, err)
	}

	fmt.Printf("Original packets (data only): %d\n", len(pkts1))
	fmt.Printf("Replayed packets (data only): %d\n", len(pkts2))

	minLen := min(len(pkts1), len(pkts2))
	mismatches := 0
	for i := 0; i < minLen; i++ {
		a, b := pkts1[i].Data, pkts2[i].Data
		if bytes.Equal(a, b) {
			continue
		}
		fmt.Printf("Mismatch at packet %d: len1=%d len2=%d (%s / %s)\n", i, len(a), len(b), describe(a), describe(b))
		mismatches++
		if mismatches > 10 {
			fmt.Println("Too many mismatches, stopping.")
			break
		}
	}

	if len(pkts1) != len(pkts2) {
		fmt.Printf("Count mismatch: %d vs %d\n", len(pkts1), len(pkts2))
		mismatches++
	}

	if mismatches == 0 {
		fmt.Println("SUCCESS: All payloads match.")
	} else {
		fmt.Println("FAILURE: Mismatches found.")
		os.Exit(1)
	}
}

// describe names the frame for mismatch reports.
func describe(frame []byte) string {
	hdr, err := server.ParseHeader(frame)
	if err != nil {
		return err.Error()
	}
	if err := server.CheckCrc(frame, hdr); err != nil {
		return fmt.Sprintf("type 0x%02x addr %08x, %v", hdr.Type, hdr.Addr, err)
	}
	return fmt.Sprintf("type 0x%02x addr %08x", hdr.Type, hdr.Addr)
}
