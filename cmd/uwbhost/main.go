package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/position.report/internal/api"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/engine"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/network"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/stream"
	"github.com/banshee-data/position.report/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON tuning file")
	anchorsPath = flag.String("anchors", "config/anchors.toml", "Path to the anchor survey (.toml or .yaml)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc", "", "gRPC listen address for the position stream, e.g. localhost:50051")
	udpListen   = flag.String("udp", "", "UDP address to receive distance report frames on, e.g. :7100")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP socket receive buffer in bytes")
	forwardAddr = flag.String("forward", "", "Mirror received UDP frames to this address")
	serialPort  = flag.String("serial", "", "Serial device of the anchor gateway, e.g. /dev/ttyACM0")
	baudRate    = flag.Int("baud", serialmux.DefaultBaudRate, "Gateway baud rate")
	pcapFile    = flag.String("pcap", "", "Replay distance reports from a pcap/pcapng capture")
	pcapPort    = flag.Uint("pcap-port", 7100, "UDP destination port to replay from the capture (0 for all)")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	dbPath      = flag.String("db", "positions.db", "SQLite database path (empty disables recording)")
	retain      = flag.Duration("retain", 24*time.Hour, "Delete reports and fixes older than this (0 keeps everything)")
	statsEvery  = flag.Duration("stats-interval", time.Minute, "Interval between packet statistics log lines")
	verbose     = flag.Bool("verbose", false, "Log per-frame detail")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const pruneInterval = 10 * time.Minute

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s [flags] migrate <command>\n\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *udpListen == "" && *serialPort == "" && *pcapFile == "" {
		log.Fatal("At least one of -udp, -serial or -pcap is required")
	}
	monitoring.SetVerbose(*verbose)

	tuning, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	survey, err := config.LoadSurvey(*anchorsPath)
	if err != nil {
		log.Fatalf("failed to load anchor survey: %v", err)
	}
	log.Printf("position.report %s: site %q with %d anchors", version.String(), survey.Site, len(survey.Anchors))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := monitoring.NewMetrics(reg)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	opts := []engine.Option{
		engine.WithMetrics(metrics),
		engine.WithStream(stream.New(stream.Config{
			Smoothing:    tuning.GetSmoothing(),
			StaleHorizon: tuning.GetStaleHorizon(),
		})),
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		if err := store.SyncAnchors(context.Background(), survey); err != nil {
			log.Fatalf("failed to store anchor survey: %v", err)
		}
		opts = append(opts, engine.WithRecorder(store))
	}

	eng, err := engine.New(engine.Config{
		Anchors:       survey.Positions(),
		Solver:        tuning.SolverParams(),
		RangeMaxAge:   tuning.GetRangeMaxAge(),
		StaleHorizon:  tuning.GetStaleHorizon(),
		SolveInterval: tuning.GetSolveInterval(),
		QueueSize:     tuning.GetQueueSize(),
		MaxTags:       tuning.GetMaxTags(),
	}, opts...)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	var gatewaySerial serialmux.SerialMuxInterface = serialmux.NewDisabledSerialMux()
	var gateway *serialmux.Gateway
	if *serialPort != "" {
		m, err := serialmux.NewRealSerialMux(*serialPort, serialmux.PortOptions{BaudRate: *baudRate})
		if err != nil {
			log.Fatalf("failed to open gateway port: %v", err)
		}
		gatewaySerial = m
		gateway = serialmux.NewGateway(eng, "serial")
	}
	defer gatewaySerial.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("engine stopped: %v", err)
		}
		log.Print("engine routine terminated")
	}()

	if gateway != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gatewaySerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor gateway port: %v", err)
			}
			log.Print("monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gateway.Run(ctx, gatewaySerial); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gateway handler stopped: %v", err)
			}
			log.Print("gateway routine terminated")
		}()

		if err := gatewaySerial.Initialise(); err != nil {
			log.Printf("failed to initialise gateway: %v", err)
		}
	}

	stats := network.NewPacketStats()
	if *udpListen != "" {
		var forwarder *network.PacketForwarder
		if *forwardAddr != "" {
			forwarder, err = network.NewPacketForwarder(*forwardAddr, stats, *statsEvery)
			if err != nil {
				log.Fatalf("failed to create forwarder: %v", err)
			}
			defer forwarder.Close()
			forwarder.Start(ctx)
		}
		listener := network.NewUDPListener(network.UDPListenerConfig{
			Address:     *udpListen,
			RcvBuf:      *udpRcvBuf,
			LogInterval: *statsEvery,
			Sink:        eng,
			Stats:       stats,
			Forwarder:   forwarder,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("UDP listener stopped: %v", err)
			}
			log.Print("UDP listener routine terminated")
		}()
	}

	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := network.ReadPCAPFile(ctx, *pcapFile, eng, network.ReplayConfig{
				Port:            uint16(*pcapPort),
				SpeedMultiplier: *pcapSpeed,
				Stats:           stats,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("PCAP replay failed after %d packets: %v", res.Packets, err)
			}
		}()
	}

	if store != nil && *retain > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prune(ctx, store, *retain)
		}()
	}

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen for gRPC: %v", err)
		}
		grpcServer := stream.NewGRPCServer(eng.Stream(), stream.DefaultBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
			log.Print("gRPC server routine terminated")
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			grpcServer.Stop(stopCtx)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		serverOpts := []api.Option{
			api.WithMetrics(metrics.Handler()),
			api.WithSerial(gatewaySerial, gateway),
		}
		if store != nil {
			serverOpts = append(serverOpts, api.WithHistory(store))
		}
		mux := api.NewServer(eng, serverOpts...).ServeMux()

		// admin debugging routes (tsweb serves them to loopback and Tailscale peers)
		gatewaySerial.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("database admin routes unavailable: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// prune deletes history older than retain on a fixed cadence until ctx is
// done.
func prune(ctx context.Context, store *db.DB, retain time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := store.PruneBefore(ctx, now.Add(-retain)); err != nil {
				log.Printf("failed to prune history: %v", err)
			}
		}
	}
}
