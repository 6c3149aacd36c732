package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"slam3d-go/config"
	"slam3d-go/frame"
	"slam3d-go/monitoring"
	"slam3d-go/particlefilter"
	"slam3d-go/server"
	"slam3d-go/store"
	"slam3d-go/trace"
)

// fuse replays a recording offline and writes the estimated track of each
// tag as CSV.
func main() {
	pcapPath := flag.String("pcap", "", "Input PCAP file")
	tagHex := flag.String("tag", "", "Tag address in hex (e.g. B50AC); empty writes every tag")
	outPath := flag.String("out", "fused.csv", "Output CSV path; with several tags the address is appended")
	modeName := flag.String("mode", "loc", "Filter variant: loc or slam")
	projectXML := flag.String("project", "", "project.xml with anchors (default: next to the pcap)")
	tuningPath := flag.String("tuning", "", "Tuning JSON (optional)")
	beaconsOut := flag.String("beacons-out", "", "SLAM beacon map CSV (optional)")
	refPath := flag.String("ref", "", "Optional reference track for RMSE")
	maxGap := flag.Float64("max-gap", 0.5, "Max time gap in seconds when matching the reference")
	verbose := flag.Bool("v", false, "Log filter diagnostics")
	flag.Parse()

	if *pcapPath == "" {
		fmt.Println("--pcap required")
		os.Exit(1)
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	}

	mode, err := server.ParseMode(*modeName)
	if err != nil {
		log.Fatal(err)
	}
	tun := config.EmptyTuningConfig()
	if *tuningPath != "" {
		if tun, err = config.LoadTuningConfig(*tuningPath); err != nil {
			log.Fatalf("Failed to load tuning: %v", err)
		}
	}
	axes, err := frame.Parse(tun.GetAxes())
	if err != nil {
		log.Fatal(err)
	}

	srv, err := server.New(server.Options{Mode: mode, Tuning: tun})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// load config
	project := *projectXML
	if project == "" {
		project = filepath.Join(filepath.Dir(*pcapPath), "project.xml")
	}
	if _, err := os.Stat(project); err == nil {
		byID, err := config.ParseProjectAnchors(project)
		if err != nil {
			log.Fatalf("Failed to parse anchors: %v", err)
		}
		anchors := make([]config.Anchor, 0, len(byID))
		for _, a := range byID {
			anchors = append(anchors, a)
		}
		srv.SetAnchors(anchors)
		log.Printf("Loaded %d anchors from %s", len(anchors), project)
	}

	db, err := store.Open(":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	runID, err := db.StartRun(mode.String(), *pcapPath)
	if err != nil {
		log.Fatal(err)
	}
	srv.SetStore(db, runID)

	n, err := srv.Replay(*pcapPath, 0)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	c := srv.Counters()
	log.Printf("Replayed %d records: %d frames, %d ranges, %d rssi, %d rejected, %d failed",
		n, c.Frames, c.Ranges, c.Rssi, c.Rejected, c.Failed)

	var tags []uint32
	if *tagHex != "" {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(*tagHex), "0x"), 16, 32)
		if err != nil {
			log.Fatalf("invalid tag: %v", err)
		}
		tags = []uint32{uint32(id)}
	} else {
		for _, t := range srv.Tags() {
			tags = append(tags, t.ID)
		}
	}
	if len(tags) == 0 {
		fmt.Println("no active tags found")
		os.Exit(1)
	}

	var ref []particlefilter.Estimate
	if *refPath != "" {
		f, err := os.Open(*refPath)
		if err != nil {
			log.Fatal(err)
		}
		ref, err = trace.ReadTrack(f, axes)
		f.Close()
		if err != nil {
			log.Fatalf("Failed to read reference: %v", err)
		}
	}

	for _, tag := range tags {
		track, err := db.TagTrack(runID, tag)
		if err != nil {
			log.Fatal(err)
		}
		path := *outPath
		if len(tags) > 1 {
			ext := filepath.Ext(path)
			path = fmt.Sprintf("%s_%X%s", strings.TrimSuffix(path, ext), tag, ext)
		}
		if err := writeTrack(path, axes, track); err != nil {
			log.Fatalf("Failed to write %s: %v", path, err)
		}
		fmt.Printf("Tag %X: %d estimates -> %s\n", tag, len(track), path)
		if ref != nil {
			if rmse, matched := trace.CompareRMSE(track, ref, *maxGap); matched > 0 {
				fmt.Printf("  RMSE %.3f m over %d reference samples\n", rmse, matched)
			}
		}
	}

	if *beaconsOut != "" && mode == server.ModeSlam {
		mapped, err := db.BeaconMap(runID)
		if err != nil {
			log.Fatal(err)
		}
		if err := writeBeacons(*beaconsOut, axes, mapped); err != nil {
			log.Fatalf("Failed to write beacons: %v", err)
		}
		fmt.Printf("Mapped %d beacons -> %s\n", len(mapped), *beaconsOut)
	}
}

func writeTrack(path string, axes frame.Axes, track []particlefilter.Estimate) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	tw := trace.NewTagWriter(f, axes)
	for _, e := range track {
		if err := tw.Write(e); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func writeBeacons(path string, axes frame.Axes, mapped map[int]particlefilter.Estimate) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ids := make([]int, 0, len(mapped))
	for id := range mapped {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	bw := trace.NewBeaconWriter(f, axes)
	for _, id := range ids {
		if err := bw.Write(id, mapped[id]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
