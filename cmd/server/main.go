package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spm1001/gueridon/internal/config"
	"github.com/spm1001/gueridon/internal/reaper"
	"github.com/spm1001/gueridon/internal/registry"
	"github.com/spm1001/gueridon/internal/replay"
	"github.com/spm1001/gueridon/internal/runtime"
	"github.com/spm1001/gueridon/internal/scanner"
	"github.com/spm1001/gueridon/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config dir)")
	scanRoot := flag.String("scan-root", "", "Directory of project folders to broker (required; overrides config)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("[main] loading config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *scanRoot != "" {
		cfg.Scan.Root = *scanRoot
	}
	if cfg.Scan.Root == "" {
		log.Fatal("[main] scan root is required: pass -scan-root or set scan.root in the config file")
	}
	root, err := filepath.Abs(cfg.Scan.Root)
	if err != nil {
		log.Fatalf("[main] resolving scan root: %v", err)
	}

	recordsPath := config.DefaultRecordsPath()
	reaped, err := reaper.ReapOnBoot(recordsPath, cfg.Broker.OrphanMaxAge)
	if err != nil {
		log.Printf("[reaper] reap on boot: %v", err)
	} else if reaped > 0 {
		log.Printf("[reaper] signalled %d orphaned child(ren) from a previous run", reaped)
	}
	tracker := reaper.NewTracker(recordsPath, cfg.Broker.RecordsDebounce)

	scan := scanner.New(root)
	hub := transport.NewHub()

	reg := registry.New(buildFactory(scan, cfg, hub, tracker))

	server := transport.NewServer(reg, scan, hub, transport.Options{
		MaxPromptBytes:  cfg.Broker.MaxPromptBytes,
		MaxUploadBytes:  cfg.Broker.MaxUploadBytes,
		SSEPingInterval: cfg.Broker.SSEPingInterval,
	})

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[main] shutting down")
		shutdown(reg, tracker, httpServer)
		os.Exit(0)
	}()

	log.Printf("[main] scan root %s, listening on %s", root, httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[main] listen: %v", err)
	}
}

// buildFactory returns the registry.Factory that constructs one Runtime
// per folder, resolving resume state from the folder scanner's
// classification and wiring the runtime's broadcast/record callbacks into
// the shared hub and orphan-reaper tracker.
func buildFactory(scan *scanner.Scanner, cfg *config.Config, hub *transport.Hub, tracker *reaper.Tracker) registry.Factory {
	return func(folder string) *runtime.Runtime {
		resumeID, closed := lookupResumeState(scan, folder)

		opts := runtime.Options{
			Command:              []string{"claude", "--print", "--output-format", "stream-json", "--verbose"},
			WorkDir:              filepath.Join(scan.Root, folder),
			SessionLogDir:        filepath.Join(scan.Root, folder, "logs", "sessions"),
			ResumeSessionID:      resumeID,
			HasExitMarker:        closed,
			InitTimeout:          cfg.Broker.InitTimeout,
			GracePeriod:          cfg.Broker.GracePeriod,
			KillEscalationDelay:  cfg.Broker.KillEscalationDelay,
			RingBufferSize:       cfg.Broker.RingBufferSize,
			StderrRingLines:      cfg.Broker.StderrRingLines,
			ContextWindowDefault: cfg.ContextWindow(),
			CompactionDropFrac:   cfg.Broker.CompactionDropFraction,
			CompactionMinTokens:  cfg.Broker.CompactionMinTokens,
			OnBroadcast: func(f replay.Frame) {
				hub.Publish(folder, f)
			},
		}
		opts.OnRecord = func(pid int, sessionID string) {
			tracker.Track(folder, reaper.Record{
				SessionID: sessionID,
				Folder:    folder,
				PID:       pid,
				SpawnedAt: time.Now(),
			})
		}
		opts.OnUnrecord = func() {
			tracker.Untrack(folder)
		}

		log.Printf("[registry] starting runtime for folder %q (resume=%q closed=%v)", folder, resumeID, closed)
		return runtime.New(folder, opts)
	}
}

// lookupResumeState classifies folder against a one-shot scan so a fresh
// Runtime knows whether to resume the most recent session log or start
// clean (§4.A/§4.E: "given the scan root ... HasExitMarker means the
// session was closed deliberately and must not be resumed").
func lookupResumeState(scan *scanner.Scanner, folder string) (sessionID string, closed bool) {
	descriptors, err := scan.Scan(nil)
	if err != nil {
		return "", false
	}
	for _, d := range descriptors {
		if d.Name != folder {
			continue
		}
		if d.Lifecycle == scanner.Closed {
			return "", true
		}
		return d.SessionID, false
	}
	return "", false
}

// shutdown stops accepting new HTTP connections, exits every live runtime,
// then cancels any pending write of the orphan-reaper records file and
// deletes it (§4.H).
func shutdown(reg *registry.Registry, tracker *reaper.Tracker, httpServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)

	for folder := range reg.Snapshot() {
		if rt, ok := reg.Get(folder); ok {
			rt.Exit()
		}
	}
	if err := tracker.Shutdown(); err != nil {
		log.Printf("[main] tracker shutdown: %v", err)
	}
}
