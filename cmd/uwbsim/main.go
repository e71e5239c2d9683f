package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/network"
	"github.com/banshee-data/position.report/internal/security"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON tuning file")
	anchorsPath = flag.String("anchors", "config/anchors.example.toml", "Path to the anchor survey (.toml or .yaml)")
	target      = flag.String("target", "127.0.0.1:7100", "UDP address of the host (empty disables sending)")
	pcapOut     = flag.String("pcap-out", "", "Also record the frames to this pcap file")
	gatewayOut  = flag.Bool("gateway-lines", false, "Print frames to stdout as gateway R: lines")
	tags        = flag.Int("tags", 1, "Number of simulated tags")
	rate        = flag.Float64("rate", 10, "Ranging rounds per second")
	duration    = flag.Duration("duration", 0, "Stop after this much simulated time (0 runs until interrupted)")
	fast        = flag.Bool("fast", false, "Do not pace rounds against the wall clock")
	radius      = flag.Float64("radius", 0, "Orbit radius in metres (0 fits the survey)")
	period      = flag.Duration("period", 20*time.Second, "Time for one orbit")
	ppm         = flag.Float64("ppm", 20, "Maximum crystal rate error of each device in ppm")
	jitter      = flag.Float64("jitter", 4, "Receive timestamp noise in device ticks (standard deviation)")
	dropRate    = flag.Float64("drop", 0, "Probability of losing each radio frame")
	seed        = flag.Uint64("seed", 1, "Random seed")
	verbose     = flag.Bool("verbose", false, "Log every report")
)

// simPort is the UDP port recorded in pcap output.
const simPort = 7100

type sendFunc func(ts time.Time, frame []byte) error

func main() {
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}
	tuning, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	survey, err := config.LoadSurvey(*anchorsPath)
	if err != nil {
		log.Fatalf("failed to load anchor survey: %v", err)
	}

	start := time.Now()
	sim, err := newSimulator(tuning, survey, simConfig{
		Tags:        *tags,
		Radius:      *radius,
		Period:      *period,
		PPMSpread:   *ppm,
		JitterTicks: *jitter,
		DropRate:    *dropRate,
		Seed:        *seed,
	}, start)
	if err != nil {
		log.Fatalf("failed to build simulation: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []sendFunc
	if *target != "" {
		fwd, err := network.NewPacketForwarder(*target, nil, 0)
		if err != nil {
			log.Fatalf("failed to create forwarder: %v", err)
		}
		defer fwd.Close()
		fwd.Start(ctx)
		sinks = append(sinks, func(_ time.Time, frame []byte) error {
			fwd.ForwardAsync(frame)
			return nil
		})
	}
	if *pcapOut != "" {
		if err := security.ValidateExportPath(*pcapOut); err != nil {
			log.Fatalf("invalid -pcap-out: %v", err)
		}
		f, err := os.Create(*pcapOut)
		if err != nil {
			log.Fatalf("failed to create pcap file: %v", err)
		}
		bw := bufio.NewWriter(f)
		defer func() {
			if err := bw.Flush(); err != nil {
				log.Printf("failed to flush pcap file: %v", err)
			}
			f.Close()
		}()
		pw, err := network.NewPCAPWriter(bw, net.IP{10, 0, 0, 2}, net.IP{10, 0, 0, 1}, simPort)
		if err != nil {
			log.Fatalf("%v", err)
		}
		sinks = append(sinks, pw.WriteFrame)
	}
	if *gatewayOut {
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		sinks = append(sinks, func(_ time.Time, frame []byte) error {
			_, err := fmt.Fprintln(out, serialmux.FormatReportLine(frame))
			return err
		})
	}
	if len(sinks) == 0 {
		log.Fatal("nothing to do: set -target, -pcap-out or -gateway-lines")
	}

	log.Printf("uwbsim %s: %d tags around %d anchors at %.1f rounds/s", version.String(), *tags, len(survey.Anchors), *rate)
	if err := run(ctx, sim, sinks); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("simulation failed: %v", err)
	}
}

func run(ctx context.Context, sim *simulator, sinks []sendFunc) error {
	interval := time.Duration(float64(time.Second) / *rate)
	var ticker *time.Ticker
	if !*fast {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	rounds, reports := 0, 0
	defer func() {
		log.Printf("simulated %d rounds, %d reports, %d failed exchanges", rounds, reports, sim.Failures())
	}()
	for *duration == 0 || sim.elapsed < *duration {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		for _, r := range sim.Round() {
			monitoring.Debugf("tag=%d anchor=%d seq=%d d=%.3fm q=%.2f", r.TagID, r.AnchorID, r.Seq, r.Distance, r.Quality)
			frame := r.Encode()
			for _, send := range sinks {
				if err := send(r.Timestamp, frame); err != nil {
					return err
				}
			}
			reports++
		}
		rounds++
		sim.Advance(interval)
	}
	return nil
}
