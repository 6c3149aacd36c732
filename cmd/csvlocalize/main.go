package main

import (
	"flag"
	"io"
	"log"
	"os"
	"sort"

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
	deployPath := flag.String("deploy", "deploy.csv", "Anchor positions (beacon,a,b,c)")
	outPath := flag.String("out", "", "Output track (default stdout)")
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
	deploy := readTrace(*deployPath, func(r io.Reader) (map[int]particlefilter.Point, error) {
		return trace.ReadDeployment(r, axes)
	})
	if *skipWp > 0 {
		vio, uwb = trace.SkipToWaypoint(vio, uwb, *skipWp)
	}
	sort.SliceStable(uwb, func(i, j int) bool { return uwb[i].T < uwb[j].T })
	log.Printf("Loaded %d VIO samples, %d ranges, %d anchors", len(vio), len(uwb), len(deploy))

	f, err := particlefilter.NewLocFilter(tun.LocConfig())
	if err != nil {
		log.Fatalf("Failed to create filter: %v", err)
	}

	out := os.Stdout
	if *outPath != "" {
		if out, err = os.Create(*outPath); err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		defer out.Close()
	}
	tw := trace.NewTagWriter(out, axes)

	r := &trace.Runner{
		Bias:     tun.GetUwbBias(false),
		Std:      tun.GetUwbStd(),
		MinRange: tun.GetMinRange(),
		MaxRange: tun.GetMaxRange(),
		OnTag:    tw.Write,
	}
	sum, err := r.Run(f, trace.LocRanges(f, deploy), trace.Merge(vio, uwb))
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	if err := tw.Flush(); err != nil {
		log.Fatalf("Failed to write track: %v", err)
	}
	st := f.Stats()
	log.Printf("Motion: %d, ranges: %d, rejected: %d, failed: %d", sum.Motion, sum.Ranges, sum.Rejected, sum.Failed)
	log.Printf("Updates: %d, resamples: %d, degeneracies: %d", st.Updates, st.Resamples, st.Degeneracies)

	if *dbPath != "" {
		recordRun(*dbPath, *vioPath, sum.Track, st)
	}

	var ref []particlefilter.Estimate
	if *expectPath != "" {
		ref = readTrace(*expectPath, func(r io.Reader) ([]particlefilter.Estimate, error) { return trace.ReadTrack(r, axes) })
		if rmse, n := trace.CompareRMSE(sum.Track, ref, 0.5); n > 0 {
			log.Printf("RMSE against %s: %.3f m over %d samples", *expectPath, rmse, n)
		}
	}
	if *plotPath != "" {
		if err := trace.PlotTrajectory(*plotPath, "Loc: "+*vioPath, sum.Track, ref, nil); err != nil {
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

func recordRun(path, notes string, track []particlefilter.Estimate, st particlefilter.Stats) {
	db, err := store.Open(path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()
	runID, err := db.StartRun("loc", notes)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range track {
		if err := db.RecordTag(runID, 0, e); err != nil {
			log.Fatal(err)
		}
	}
	if err := db.EndRun(runID, st); err != nil {
		log.Fatal(err)
	}
	log.Printf("Recorded run %s (%d estimates)", runID, len(track))
}
