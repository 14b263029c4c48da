package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pedal.guard/internal/api"
	"github.com/banshee-data/pedal.guard/internal/config"
	"github.com/banshee-data/pedal.guard/internal/controlloop"
	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/fsutil"
	"github.com/banshee-data/pedal.guard/internal/fusion"
	"github.com/banshee-data/pedal.guard/internal/markers"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/sensors"
	"github.com/banshee-data/pedal.guard/internal/serialmux"
	"github.com/banshee-data/pedal.guard/internal/telemetry"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
	"github.com/banshee-data/pedal.guard/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to a controller JSON config (built-in defaults when empty)")
	scenario   = flag.Int("scenario", -1, "Scenario id used to label this run (prompted on stdin when omitted)")
	devMode    = flag.Bool("dev", false, "Run with a simulated bridge and a fixed pedal voltage")
	devPedal   = flag.Float64("dev-pedal", 20, "Pedal position in percent reported in dev mode")
	debugMode  = flag.Bool("debug", false, "Log every control cycle")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	dbFile     = flag.String("db", "", "SQLite database path (overrides config)")
	csvFile    = flag.String("csv", "", "CSV cycle log path (overrides config)")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	monitoring.SetDebug(*debugMode)

	cfg := config.EmptyControllerConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadControllerConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	applyFlagOverrides(cfg)

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			if err := db.RunMigrateCommand(args[1:], cfg.GetDBPath(), os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		case "mark":
			if len(args) != 2 {
				usage()
				os.Exit(2)
			}
			path, err := writeMarker(fsutil.OSFileSystem{}, cfg, args[1], time.Now())
			if err != nil {
				log.Fatalf("mark: %v", err)
			}
			fmt.Println(path)
			return
		case "version":
			fmt.Println(version.String())
			return
		default:
			usage()
			os.Exit(2)
		}
	}

	scenarioID := *scenario
	if scenarioID < 0 {
		var err error
		scenarioID, err = promptScenario(os.Stdin, os.Stdout)
		if err != nil {
			log.Fatalf("scenario: %v", err)
		}
	}

	log.Printf("pedalguard %s starting: scenario=%d dev=%v", version.String(), scenarioID, *devMode)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}

	// Bus initialisation failures are fatal: the guard must not drive the
	// throttle without its sensors.
	var bridge serialmux.SerialMuxInterface
	var throttle sensors.ThrottleSampler
	var commander sensors.ThrottleCommander
	if *devMode {
		m, _ := serialmux.NewMockSerialMux(simulatedApproach(time.Now()))
		bridge = m
		throttle = sensors.NewFixedVoltage(voltageFor(cfg, *devPedal))
		commander = sensors.NopCommander{}
	} else {
		m, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			log.Fatalf("failed to open pedal I/O bridge: %v", err)
		}
		bridge = m

		sampler, err := sensors.DialCANThrottleSampler(ctx, cfg.GetCANInterface(), cfg.GetCANPedalFrameID(), cfg.GetPedalFrameMaxAge(), clock)
		if err != nil {
			log.Fatalf("failed to open pedal ADC on %s: %v", cfg.GetCANInterface(), err)
		}
		defer sampler.Close()
		throttle = sampler
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sampler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pedal ADC receiver stopped: %v", err)
				stop()
			}
		}()

		cmdr, err := sensors.DialCANThrottleCommander(ctx, cfg.GetCANInterface(), cfg.GetCANCommandFrameID())
		if err != nil {
			log.Fatalf("failed to open throttle command bus on %s: %v", cfg.GetCANInterface(), err)
		}
		defer cmdr.Close()
		commander = cmdr
	}
	defer bridge.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor pedal I/O bridge: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if err := bridge.Initialize(); err != nil {
		log.Fatalf("failed to initialise pedal I/O bridge: %v", err)
	}

	if err := dropPrivileges(); err != nil {
		log.Fatalf("failed to drop privileges: %v", err)
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		log.Fatalf("failed to encode config: %v", err)
	}
	run, err := database.StartRun(scenarioID, clock.Now(), string(cfgJSON))
	if err != nil {
		log.Fatalf("failed to start run: %v", err)
	}
	log.Printf("run %s started", run.ID)

	sinks := cyclelog.MultiSink{cyclelog.DBSink{DB: database}}
	if path := cfg.GetCSVPath(); path != "" {
		csvSink, err := cyclelog.OpenCSVSink(path)
		if err != nil {
			log.Fatalf("failed to open CSV log: %v", err)
		}
		sinks = append(sinks, csvSink)
	}
	defer sinks.Close()

	mode, err := markers.ParseMode(cfg.GetMarkerConsume())
	if err != nil {
		log.Fatalf("marker mode: %v", err)
	}
	markerReader, err := markers.NewReader(fsutil.OSFileSystem{}, clock, markers.Options{
		Dir:         cfg.GetMarkerDir(),
		AccelMarker: cfg.GetAccelMarker(),
		BrakeMarker: cfg.GetBrakeMarker(),
		Validity:    cfg.GetMarkerValidity(),
		Mode:        mode,
	})
	if err != nil {
		log.Fatalf("marker reader: %v", err)
	}

	controller, err := fusion.NewController(cfg.FusionConfig())
	if err != nil {
		log.Fatalf("invalid controller configuration: %v", err)
	}

	distance := sensors.NewSerialDistanceSampler(bridge, clock, cfg.GetDistanceTimeout())
	defer distance.Close()

	hub := api.NewHub()
	publishers := []controlloop.Publisher{hub}
	if broker := cfg.GetMQTTBroker(); broker != "" {
		pub, err := telemetry.DialMQTT(telemetry.Options{Broker: broker, Topic: cfg.GetMQTTTopic()})
		if err != nil {
			// Telemetry is advisory; the guard runs without it.
			log.Printf("telemetry disabled: %v", err)
		} else {
			defer pub.Close()
			publishers = append(publishers, pub)
			wg.Add(1)
			go func() {
				defer wg.Done()
				pub.Run(ctx)
				published, dropped, failed := pub.Stats()
				log.Printf("telemetry stopped: published=%d dropped=%d failed=%d", published, dropped, failed)
			}()
		}
	}

	counter := serialmux.NewEventCounter()
	wg.Add(1)
	go func() {
		defer wg.Done()
		counter.Run(ctx, bridge)
		log.Printf("bridge lines by kind: %v", counter.Snapshot())
	}()

	runner, err := controlloop.New(controlloop.Config{
		Clock:      clock,
		Controller: controller,
		Period:     cfg.GetCyclePeriod(),
		Distance:   distance,
		Throttle:   throttle,
		ADCChannel: cfg.GetADCChannel(),
		Markers:    markerReader,
		Alert:      sensors.NewTimedAlert(sensors.SerialBuzzer{Mux: bridge}, clock, cfg.GetAlertOn(), cfg.GetAlertOff()),
		Display:    sensors.SerialDisplay{Mux: bridge},
		Commander:  commander,
		Sink:       sinks,
		Publishers: publishers,
		RunID:      run.ID,
		ScenarioID: scenarioID,
	})
	if err != nil {
		log.Fatalf("control loop: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("control loop stopped: %v", err)
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(bridge, database, hub).ServeMux()
		bridge.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
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
	s := runner.Stats()
	log.Printf("Graceful shutdown complete: cycles=%d lockouts=%d misop_cycles=%d", s.Cycles, s.Lockouts, s.MisopCycles)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: pedalguard [flags] [migrate <command> | mark accel|brake | version]\n\n")
	flag.PrintDefaults()
}

func applyFlagOverrides(cfg *config.ControllerConfig) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbFile != "" {
		cfg.DBPath = dbFile
	}
	if *csvFile != "" {
		cfg.CSVPath = csvFile
	}
}

// promptScenario asks for the scenario id until a non-negative integer is
// entered.
func promptScenario(in io.Reader, out io.Writer) (int, error) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter scenario id: ")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}
		id, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || id < 0 {
			fmt.Fprintln(out, "scenario id must be a non-negative integer")
			continue
		}
		return id, nil
	}
}

// writeMarker stamps the accel or brake marker with now, standing in for
// the detector processes on a bench.
func writeMarker(fsys fsutil.FileSystem, cfg *config.ControllerConfig, kind string, now time.Time) (string, error) {
	var name string
	switch kind {
	case "accel":
		name = cfg.GetAccelMarker()
	case "brake":
		name = cfg.GetBrakeMarker()
	default:
		return "", fmt.Errorf("unknown marker %q, want accel or brake", kind)
	}
	path := filepath.Join(cfg.GetMarkerDir(), name)
	if err := markers.Write(fsys, path, now); err != nil {
		return "", err
	}
	return path, nil
}

// voltageFor maps a pedal percentage onto the configured calibration.
func voltageFor(cfg *config.ControllerConfig, percent float64) float64 {
	return cfg.GetVMin() + percent/100*(cfg.GetVMax()-cfg.GetVMin())
}

// simulatedApproach returns a range source for dev mode: an obstacle
// approached from 300 cm to 60 cm over eight seconds, then reset.
func simulatedApproach(start time.Time) func() (float64, bool) {
	const (
		far    = 300.0
		near   = 60.0
		period = 8 * time.Second
	)
	return func() (float64, bool) {
		phase := time.Since(start) % period
		return far - (far-near)*phase.Seconds()/period.Seconds(), true
	}
}
