package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"slam3d-go/binlog"
	"slam3d-go/config"
	"slam3d-go/particlefilter"
	"slam3d-go/publish"
	"slam3d-go/server"
	"slam3d-go/store"
	"slam3d-go/web"
)

func main() {
	port := flag.Int("port", server.DefaultPort, "UDP port to listen on")
	httpPort := flag.Int("http", 0, "HTTP/WebSocket port (e.g. 8080). 0 to disable.")
	distDir := flag.String("dist", "", "Static web UI directory (optional)")
	modeName := flag.String("mode", "loc", "Filter variant: loc or slam")
	projectXML := flag.String("project", "project.xml", "Path to project.xml (anchors, publish targets)")
	tuningPath := flag.String("tuning", "", "Tuning JSON (optional)")
	skipCrc := flag.Bool("skip-crc", false, "Accept frames with a bad CRC")
	pcapPath := flag.String("pcap", "", "Path to output PCAP file or directory (optional)")
	dbPath := flag.String("sqlite", "", "Record estimates into a sqlite database (optional)")
	replayPath := flag.String("replay", "", "Feed a recording instead of listening")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	serialPort := flag.String("serial", "", "Serial device of a directly attached UWB module (optional)")
	serialBaud := flag.Int("baud", 115200, "Serial baud rate")
	serialTag := flag.Uint("serial-tag", 0, "Tag address for serial ranges")
	flag.Parse()

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

	// Load configuration
	var anchors []config.Anchor
	var targets []config.PublishTarget
	if _, err := os.Stat(*projectXML); err == nil {
		log.Println("Loading configuration...")
		byID, err := config.ParseProjectAnchors(*projectXML)
		if err != nil {
			log.Fatalf("Failed to parse anchors: %v", err)
		}
		for _, a := range byID {
			anchors = append(anchors, a)
		}
		if targets, err = config.ParsePublishTargets(*projectXML); err != nil {
			log.Fatalf("Failed to parse publish targets: %v", err)
		}
		log.Printf("Loaded %d anchors, %d publish targets", len(anchors), len(targets))
	} else if mode == server.ModeLoc && *replayPath == "" {
		log.Fatalf("project.xml not found at %s", *projectXML)
	}

	opts := server.Options{
		Addr:    fmt.Sprintf(":%d", *port),
		Mode:    mode,
		Tuning:  tun,
		SkipCrc: *skipCrc,
	}
	udpSvr, err := server.New(opts)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if len(anchors) > 0 {
		udpSvr.SetAnchors(anchors)
	}

	// Configure Web Server
	if *httpPort > 0 {
		webSvr := web.NewServer()
		webSvr.Tags = func() any { return udpSvr.Tags() }
		configDir := filepath.Dir(*projectXML)
		go func() {
			if err := webSvr.Start(*httpPort, *distDir, configDir); err != nil {
				log.Printf("HTTP server stopped: %v", err)
			}
		}()
		udpSvr.SetWebHub(webSvr.Hub)
		defer webSvr.Hub.Close()
	}

	if len(targets) > 0 {
		sender, err := publish.NewSenderFromTargets(targets)
		if err != nil {
			log.Fatalf("Failed to configure publish targets: %v", err)
		}
		if err := sender.Start(); err != nil {
			log.Fatalf("Failed to start publisher: %v", err)
		}
		udpSvr.SetPublisher(sender)
		defer sender.Stop()
	}

	if *pcapPath != "" {
		// Auto-generate name if directory
		path := *pcapPath
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, fmt.Sprintf("PKTSBIN_%s.pcap", time.Now().Format("20060102150405")))
		}
		pw, err := binlog.Create(path)
		if err != nil {
			log.Fatalf("Failed to create pcap writer: %v", err)
		}
		defer pw.Close()
		if len(anchors) > 0 {
			if err := pw.WriteAnchors(anchors); err != nil {
				log.Fatalf("Failed to record anchors: %v", err)
			}
		}
		udpSvr.SetPcapWriter(pw)
		log.Printf("Logging packets to %s", path)
	}

	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer db.Close()
		runID, err := db.StartRun(mode.String(), *replayPath)
		if err != nil {
			log.Fatal(err)
		}
		udpSvr.SetStore(db, runID)
		defer endRun(db, runID, udpSvr)
		log.Printf("Recording estimates as run %s", runID)
	}

	if *replayPath != "" {
		n, err := udpSvr.Replay(*replayPath, *speed)
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		c := udpSvr.Counters()
		log.Printf("Replayed %d records: %d frames, %d ranges, %d rejected, %d failed",
			n, c.Frames, c.Ranges, c.Rejected, c.Failed)
		return
	}

	if err := udpSvr.Listen(); err != nil {
		log.Fatalf("Failed to create UDP server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *serialPort != "" {
		sp, err := server.OpenSerial(*serialPort, server.SerialOptions{BaudRate: *serialBaud})
		if err != nil {
			log.Fatalf("Failed to open serial port: %v", err)
		}
		src := server.NewSerialRangeSource(udpSvr, uint32(*serialTag), sp)
		go func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Serial source stopped: %v", err)
			}
		}()
		log.Printf("Reading ranges from %s for tag %08x", *serialPort, *serialTag)
	}

	// Start Server in a goroutine
	go udpSvr.Start()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	cancel()
	udpSvr.Stop()
	c := udpSvr.Counters()
	log.Printf("Frames: %d (bad %d), motion: %d, ranges: %d, rssi: %d, rejected: %d, failed: %d",
		c.Frames, c.BadFrames, c.Motion, c.Ranges, c.Rssi, c.Rejected, c.Failed)
}

// endRun closes the run with the filter counters summed over live tags.
func endRun(db *store.Store, runID uuid.UUID, srv *server.UdpServer) {
	var total particlefilter.Stats
	for _, tag := range srv.Tags() {
		if st, ok := srv.Stats(tag.ID); ok {
			total.Updates += st.Updates
			total.Resamples += st.Resamples
			total.BeaconResamples += st.BeaconResamples
			total.Degeneracies += st.Degeneracies
		}
	}
	if err := db.EndRun(runID, total); err != nil {
		log.Printf("Failed to close run: %v", err)
	}
}
