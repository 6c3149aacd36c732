package main

import (
	"flag"
	"io"
	"log"
	"os"
	"sort"

	"github.com/google/uuid"

	"slam3d-go/config"
	"slam3d-go/frame"
	"slam3d-go/monitoring"
	"slam3d-go/particlefilter"
	"slam3d-go/store"
	"slam3d-go/trace"
)

func main() {
	vioPath := flag.String("vio", "vio.csv", "VIO trace")
	uwbPath := flag.String("uwb", "uwb.csv", "UWB range trace")
	outPath := flag.String("out", "", "Output tag track (default stdout)")
	beaconsOut := flag.String("beacons-out", "", "Output beacon estimates (b,x,y,z,theta)")
	numBeacons := flag.Int("beacons", 0, "Register beacons 0..n-1 up front; others are added on sight")
	formatName := flag.String("format", "plain", "Trace layout: plain or waypoint")
	tuningPath := flag.String("tuning", "", "Tuning JSON (optional)")
	axesName := flag.String("axes", "", "Device axis order, e.g. yzx (overrides tuning)")
	seed := flag.Int64("seed", -1, "Random seed (-1 keeps the tuning or default seed)")
	skipWp := flag.Int("skip-waypoint", 0, "Drop samples before this waypoint")
	plotPath := flag.String("plot", "", "Write a top-down trajectory PNG")
	expectPath := flag.String("expect", "", "Golden track to compare against")
	tol := flag.Float64("tol", 1e-6, "Per-field tolerance for -expect")
	dbPath := flag.String("sqlite", "", "Record the run into a sqlite database")
	verbose := flag.Bool("v", false, "Log filter diagnostics")
	flag.Parse()

	if !*verbose {
		monitoring.SetLogger(nil)
	}

	tun := config.EmptyTuningConfig()
	if *tuningPath != "" {
		var err error
		if tun, err = config.LoadTuningConfig(*tuningPath); err != nil {
			log.Fatalf("Failed to load tuning: %v", err)
		}
	}
	if *axesName != "" {
		tun.Axes = axesName
	}
	if *seed >= 0 {
		s := uint64(*seed)
		tun.Seed = &s
	}
	axes, err := frame.Parse(tun.GetAxes())
	if err != nil {
		log.Fatalf("Invalid axes: %v", err)
	}
	format, err := trace.ParseFormat(*formatName)
	if err != nil {
		log.Fatal(err)
	}

	vio := readTrace(*vioPath, func(r io.Reader) ([]trace.VioSample, error) { return trace.ReadVio(r, format, axes) })
	uwb := readTrace(*uwbPath, func(r io.Reader) ([]trace.UwbSample, error) { return trace.ReadUwb(r, format) })
	if *skipWp > 0 {
		vio, uwb = trace.SkipToWaypoint(vio, uwb, *skipWp)
	}
	sort.SliceStable(uwb, func(i, j int) bool { return uwb[i].T < uwb[j].T })
	log.Printf("Loaded %d VIO samples, %d ranges", len(vio), len(uwb))

	f, err := particlefilter.NewSlamFilter(tun.SlamConfig())
	if err != nil {
		log.Fatalf("Failed to create filter: %v", err)
	}
	beacons := trace.NewSlamBeacons(f)
	beacons.Register(*numBeacons)

	out := os.Stdout
	if *outPath != "" {
		if out, err = os.Create(*outPath); err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		defer out.Close()
	}
	tw := trace.NewTagWriter(out, axes)

	r := &trace.Runner{
		Bias:     tun.GetUwbBias(true),
		Std:      tun.GetUwbStd(),
		MinRange: tun.GetMinRange(),
		MaxRange: tun.GetMaxRange(),
		OnTag:    tw.Write,
	}
	sum, err := r.Run(f, beacons.Ranges(), trace.Merge(vio, uwb))
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	if err := tw.Flush(); err != nil {
		log.Fatalf("Failed to write track: %v", err)
	}

	mapped := beaconMap(f, beacons)
	if *beaconsOut != "" {
		writeBeacons(*beaconsOut, axes, mapped)
	}

	st := f.Stats()
	log.Printf("Motion: %d, ranges: %d, rejected: %d, failed: %d", sum.Motion, sum.Ranges, sum.Rejected, sum.Failed)
	log.Printf("Updates: %d, resamples: %d, beacon resamples: %d, degeneracies: %d",
		st.Updates, st.Resamples, st.BeaconResamples, st.Degeneracies)
	log.Printf("Mapped %d of %d beacons", len(mapped), len(beacons.Numbers()))

	if *dbPath != "" {
		recordRun(*dbPath, *vioPath, sum.Track, mapped, st)
	}

	var ref []particlefilter.Estimate
	if *expectPath != "" {
		ref = readTrace(*expectPath, func(r io.Reader) ([]particlefilter.Estimate, error) { return trace.ReadTrack(r, axes) })
		if rmse, n := trace.CompareRMSE(sum.Track, ref, 0.5); n > 0 {
			log.Printf("RMSE against %s: %.3f m over %d samples", *expectPath, rmse, n)
		}
	}
	if *plotPath != "" {
		if err := trace.PlotTrajectory(*plotPath, "SLAM: "+*vioPath, sum.Track, ref, mapped); err != nil {
			log.Fatalf("Failed to plot: %v", err)
		}
	}
	if ref != nil {
		if err := trace.CompareTracks(sum.Track, ref, *tol); err != nil {
			log.Fatalf("Track differs from %s: %v", *expectPath, err)
		}
		log.Printf("Track matches %s", *expectPath)
	}
}

// beaconMap collects the estimates of every observed beacon by number.
func beaconMap(f *particlefilter.SlamFilter, beacons *trace.SlamBeacons) map[int]particlefilter.Estimate {
	out := map[int]particlefilter.Estimate{}
	for n, id := range beacons.Numbers() {
		e, ok, err := f.BeaconEstimate(id)
		if err != nil || !ok {
			continue
		}
		out[n] = e
	}
	return out
}

func writeBeacons(path string, axes frame.Axes, mapped map[int]particlefilter.Estimate) {
	out, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create beacon output: %v", err)
	}
	defer out.Close()

	nums := make([]int, 0, len(mapped))
	for n := range mapped {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	bw := trace.NewBeaconWriter(out, axes)
	for _, n := range nums {
		if err := bw.Write(n, mapped[n]); err != nil {
			log.Fatalf("Failed to write beacons: %v", err)
		}
	}
	if err := bw.Flush(); err != nil {
		log.Fatalf("Failed to write beacons: %v", err)
	}
}

func readTrace[T any](path string, read func(io.Reader) (T, error)) T {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", path, err)
	}
	return v
}

func recordRun(path, notes string, track []particlefilter.Estimate, mapped map[int]particlefilter.Estimate, st particlefilter.Stats) {
	db, err := store.Open(path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()
	runID, err := db.StartRun("slam", notes)
	if err != nil {
		log.Fatal(err)
	}
	record(db, runID, track, mapped)
	if err := db.EndRun(runID, st); err != nil {
		log.Fatal(err)
	}
	log.Printf("Recorded run %s (%d estimates, %d beacons)", runID, len(track), len(mapped))
}

func record(db *store.Store, runID uuid.UUID, track []particlefilter.Estimate, mapped map[int]particlefilter.Estimate) {
	for _, e := range track {
		if err := db.RecordTag(runID, 0, e); err != nil {
			log.Fatal(err)
		}
	}
	for n, e := range mapped {
		if err := db.RecordBeacon(runID, 0, n, e); err != nil {
			log.Fatal(err)
		}
	}
}
