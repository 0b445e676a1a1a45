// Command ftrace is the function-graph tracer binary. It loads an optional
// YAML configuration file, attaches to (or launches) the target binary,
// arms the requested filter/trigger spec, and drains per-thread ring
// buffers to *.dat files until the traced process exits or a `finish`
// trigger fires. It exposes the same ambient operational surface the
// teacher agent exposes: structured logging, a trace control API, and
// graceful shutdown on SIGTERM/SIGINT.
package main

import (
	"bufio"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"

	"github.com/google/uuid"

	"github.com/tripwire/ftrace/internal/api"
	"github.com/tripwire/ftrace/internal/audit"
	"github.com/tripwire/ftrace/internal/config"
	"github.com/tripwire/ftrace/internal/consumer"
	"github.com/tripwire/ftrace/internal/control"
	"github.com/tripwire/ftrace/internal/netsink"
	"github.com/tripwire/ftrace/internal/pmu"
	"github.com/tripwire/ftrace/internal/queue"
	"github.com/tripwire/ftrace/internal/sdt"
	"github.com/tripwire/ftrace/internal/session"
	"github.com/tripwire/ftrace/internal/sidecar"
	"github.com/tripwire/ftrace/internal/storage"
	"github.com/tripwire/ftrace/internal/traploop"
	tracepb "github.com/tripwire/ftrace/proto/tracepb"
)

func main() {
	configPath := flag.String("config", os.Getenv("TripwireFTRACE_CONFIG"), "path to the optional YAML session defaults file")
	outputDir := flag.String("output-dir", "ftrace.data", "trace output directory (per-tid *.dat files, info, task.txt, events.txt)")
	pid := flag.Int("pid", 0, "attach to an already-running process instead of launching one")
	auditPath := flag.String("audit-log", "", "path to the tamper-evident control-action audit log; empty disables audit logging")
	pmuGroupFlag := flag.String("pmu-group", "", "hardware PMU counter group sampled at every entry/exit: cycles, cache, branches; empty disables")
	sdtPatternFlag := flag.String("sdt-pattern", "", "provider:event glob pattern of static probes to arm; empty disables")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftrace: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		logger.Error("failed to create output directory", slog.Any("error", err))
		os.Exit(1)
	}

	var auditLog *audit.Logger
	if *auditPath != "" {
		al, err := audit.Open(*auditPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.Any("error", err))
			os.Exit(1)
		}
		defer al.Close()
		auditLog = al
	}

	binaryPath, tracedPid, cmd, err := attachOrLaunch(*pid, flag.Args(), logger)
	if err != nil {
		logger.Error("failed to attach to target", slog.Any("error", err))
		os.Exit(1)
	}

	controller := session.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Init(ctx, session.Options{
		BinaryPath: binaryPath,
		Pid:        tracedPid,
		OutputDir:  *outputDir,
		GOARCH:     runtime.GOARCH,
	}); err != nil {
		logger.Error("session init failed", slog.Any("error", err))
		os.Exit(1)
	}

	loadBase, err := readLoadBase(tracedPid, binaryPath)
	if err != nil {
		logger.Warn("could not determine runtime load base; assuming a non-PIE binary at base 0",
			slog.Any("error", err))
	}
	controller.Module().LoadBase = loadBase

	entry, err := readEntryPoint(tracedPid)
	if err != nil {
		logger.Error("failed to read tracee entry point", slog.Any("error", err))
		os.Exit(1)
	}
	trampoline, err := traploop.InstallTrampoline(tracedPid, entry)
	if err != nil {
		logger.Error("failed to install exit trampoline", slog.Any("error", err))
		os.Exit(1)
	}

	sites := buildPatchSites(controller, loadBase, trampoline, logger)
	if err := controller.Arm(sites); err != nil {
		logger.Error("session arm failed", slog.Any("error", err))
		os.Exit(1)
	}

	var pmuGroup *pmu.Group
	if *pmuGroupFlag != "" {
		g, err := openPMUGroup(*pmuGroupFlag, tracedPid)
		if err != nil {
			logger.Warn("failed to open PMU counter group; continuing without it",
				slog.String("group", *pmuGroupFlag), slog.Any("error", err))
		} else {
			if err := g.Enable(); err != nil {
				logger.Warn("failed to enable PMU counter group", slog.Any("error", err))
			}
			controller.Engine().SetPMUGroup(g)
			pmuGroup = g
		}
	}

	sdtSites, sdtEvents := armSDTProbes(controller, binaryPath, *sdtPatternFlag, loadBase, logger)
	if len(sdtEvents) > 0 {
		if err := sidecar.WriteEvents(*outputDir, sdtEvents); err != nil {
			logger.Warn("failed to write events.txt", slog.Any("error", err))
		}
	}

	if err := unix.PtraceCont(tracedPid, 0); err != nil {
		logger.Error("failed to resume tracee after arming", slog.Any("error", err))
		os.Exit(1)
	}
	if err := controller.OnReturn(); err != nil {
		logger.Error("session onreturn failed", slog.Any("error", err))
		os.Exit(1)
	}

	sessionID := uuid.New().String()

	var store *storage.Store
	if cfg.PostgresDSN != "" {
		st, err := storage.New(ctx, cfg.PostgresDSN, storage.DefaultBatchSize, storage.DefaultFlushInterval)
		if err != nil {
			logger.Error("failed to open Postgres sidecar", slog.Any("error", err))
			os.Exit(1)
		}
		defer st.Close(ctx)
		store = st
		if err := store.UpsertSession(ctx, storage.Session{
			SessionID: sessionID, Binary: binaryPath, BuildID: controller.Module().BuildID,
			Pid: tracedPid, StartedAt: time.Now().UTC(),
		}); err != nil {
			logger.Warn("failed to record session in Postgres sidecar", slog.Any("error", err))
		}
	}

	var sink *netsink.Sink
	if cfg.Network.Addr != "" {
		queuePath := cfg.Network.QueuePath
		if queuePath == "" {
			queuePath = fmt.Sprintf("%s/netqueue.db", *outputDir)
		}
		q, err := queue.New(queuePath)
		if err != nil {
			logger.Error("failed to open network sink queue", slog.Any("error", err))
			os.Exit(1)
		}
		defer q.Close()
		sink = netsink.New(netsink.Config{Addr: cfg.Network.Addr}, q, logger)
		sink.Start(ctx)
		defer sink.Stop()
	}

	cons := consumer.New(controller.Engine(), *outputDir, sinkOrNil(sink), logger, consumer.DefaultDrainInterval)
	cons.Start(ctx)

	var httpServer *http.Server
	if cfg.Control.HTTPAddr != "" {
		apiSrv := api.NewServer(controller, logger, auditLog)
		pubKey, err := loadJWTPublicKey(cfg.Control.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load trace control API's JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		httpServer = &http.Server{
			Addr:         cfg.Control.HTTPAddr,
			Handler:      api.NewRouter(apiSrv, pubKey),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("trace control API listening", slog.String("addr", cfg.Control.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("trace control API error", slog.Any("error", err))
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.Control.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Control.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen for remote control plane", slog.Any("error", err))
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		tracepb.RegisterTraceControlServer(grpcServer, control.NewServer(controller, logger, auditLog))
		go func() {
			logger.Info("remote control plane listening", slog.String("addr", cfg.Control.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("remote control plane error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)
	exitStatus := 0

	go func() {
		if cmd != nil {
			_ = cmd.Wait()
		}
	}()

	runLoop := make(chan error, 1)
	go func() {
		loop := traploop.New(tracedPid, controller.Patches(), controller.Engine(), controller, loadBase, trampoline, logger)
		loop.SetSDTSites(sdtSites)
		runLoop <- loop.Run()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		if err := controller.Finish(); err != nil {
			logger.Warn("finish trigger on signal failed", slog.Any("error", err))
		}
	case err := <-runLoop:
		if err != nil {
			logger.Error("trap dispatch loop exited with error", slog.Any("error", err))
		}
		_ = controller.Finish()
	}

	cons.Stop(context.Background())
	_ = controller.WaitDone(exitStatus)

	if pmuGroup != nil {
		if err := pmuGroup.Close(); err != nil {
			logger.Warn("failed to close PMU counter group", slog.Any("error", err))
		}
	}

	writeTaskAndEventsFiles(*outputDir, sessionID, tracedPid, cons, logger)

	if store != nil {
		for _, tid := range cons.TIDs() {
			if err := store.WriteThread(ctx, storage.Thread{
				SessionID: sessionID, TID: tid, ParentTID: tracedPid,
				FirstSeenAt: time.Now().UTC(), RecordCount: cons.RecordCount(tid),
			}); err != nil {
				logger.Warn("failed to mirror thread metadata", slog.Int("tid", tid), slog.Any("error", err))
			}
		}
		if err := store.Flush(ctx); err != nil {
			logger.Warn("failed to flush Postgres sidecar", slog.Any("error", err))
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := controller.Close(); err != nil {
		logger.Warn("failed to close patch journal", slog.Any("error", err))
	}

	logger.Info("ftrace exited cleanly")
}

func sinkOrNil(s *netsink.Sink) consumer.Sink {
	if s == nil {
		return nil
	}
	return s
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// newLogger constructs a *slog.Logger writing JSON-structured records to
// stderr at the requested minimum level, mirroring the teacher agent's
// logger construction.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// attachOrLaunch either attaches to an already-running process (pid != 0)
// or launches args under PTRACE_TRACEME and waits for the post-execve
// stop, returning the resolved binary path and tracee pid.
func attachOrLaunch(pid int, args []string, logger *slog.Logger) (binaryPath string, tracedPid int, cmd *exec.Cmd, err error) {
	if pid != 0 {
		if err := unix.PtraceAttach(pid); err != nil {
			return "", 0, nil, fmt.Errorf("ptrace attach %d: %w", pid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			return "", 0, nil, fmt.Errorf("wait for attach stop: %w", err)
		}
		path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil {
			return "", 0, nil, fmt.Errorf("resolve /proc/%d/exe: %w", pid, err)
		}
		return path, pid, nil, nil
	}

	if len(args) == 0 {
		return "", 0, nil, fmt.Errorf("no target binary given: pass --pid or a binary and its arguments")
	}

	binaryPath, err = exec.LookPath(args[0])
	if err != nil {
		return "", 0, nil, fmt.Errorf("resolve %q: %w", args[0], err)
	}

	c := exec.Command(binaryPath, args[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := c.Start(); err != nil {
		return "", 0, nil, fmt.Errorf("start %q: %w", binaryPath, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(c.Process.Pid, &ws, 0, nil); err != nil {
		return "", 0, nil, fmt.Errorf("wait for exec stop: %w", err)
	}

	logger.Info("launched target under ptrace", slog.String("binary", binaryPath), slog.Int("pid", c.Process.Pid))
	return binaryPath, c.Process.Pid, c, nil
}

// readLoadBase scans /proc/<pid>/maps for the first mapping backed by
// binaryPath and returns its start address, the runtime load base for a
// PIE executable. Non-PIE binaries are mapped at their link-time address,
// which Load already recorded per-symbol, so a zero base (returned
// alongside an error here) is harmless for them.
func readLoadBase(pid int, binaryPath string) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasSuffix(line, binaryPath) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rangeField := strings.SplitN(fields[0], "-", 2)
		if len(rangeField) != 2 {
			continue
		}
		base, err := strconv.ParseUint(rangeField[0], 16, 64)
		if err != nil {
			continue
		}
		return base, nil
	}
	return 0, fmt.Errorf("no mapping for %q found in /proc/%d/maps", binaryPath, pid)
}

// readEntryPoint returns the tracee's current instruction pointer, which at
// the post-attach/post-execve stop is exactly the ELF entry point — the
// address InstallTrampoline temporarily repurposes for its inferior mmap
// call.
func readEntryPoint(pid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return 0, fmt.Errorf("getregs: %w", err)
	}
	return regs.Rip, nil
}

// loadJWTPublicKey reads a PEM-encoded RSA public key from path, used to
// verify the trace control API's RS256 bearer tokens.
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("no JWT public key path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q contains no PEM block", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q is not an RSA public key", path)
	}
	return rsaPub, nil
}

// writeTaskAndEventsFiles writes the trace directory's task.txt, listing
// every thread the consumer drained records for.
func writeTaskAndEventsFiles(dir, sessionID string, pid int, cons *consumer.Consumer, logger *slog.Logger) {
	var tasks []sidecar.Task
	for _, tid := range cons.TIDs() {
		tasks = append(tasks, sidecar.Task{TID: tid, ParentTID: pid, Comm: "", SessionID: sessionID})
	}
	if err := sidecar.WriteTasks(dir, tasks); err != nil {
		logger.Warn("failed to write task.txt", slog.Any("error", err))
	}
}

// buildPatchSites turns every symbol in the module's index into a patch
// site targeting the shared exit trampoline. Patching is not itself
// filter-aware: every function gets a breakpoint, and the filter engine
// decides at entry time (inside the mcount engine) whether that call is
// actually recorded, mirroring Evaluate's "record unless a positive
// pattern excludes this address" default.
//
// It also walks the module's PLT import table and emits one PLT-tagged
// site per imported symbol, so a call crossing into a dynamically linked
// library (e.g. libc's malloc via malloc@plt) is caught at the import
// stub the same way a call to a locally defined function is caught at its
// prologue. Arm routes PLT sites through patcher.Table.PatchPLT instead of
// PatchPrologue; both converge on the same trap/trampoline dispatch in
// package traploop.
func buildPatchSites(controller *session.Controller, loadBase, trampoline uint64, logger *slog.Logger) []session.PatchSite {
	mod := controller.Module()
	var sites []session.PatchSite
	for _, sym := range mod.Symbols() {
		sites = append(sites, session.PatchSite{
			Addr:     loadBase + sym.Addr,
			StubAddr: trampoline,
			PLT:      false,
		})
	}

	pltCount := 0
	for _, name := range mod.PLTSymbols() {
		pltAddr, ok := mod.PLTAddr(name)
		if !ok {
			continue
		}
		sites = append(sites, session.PatchSite{
			Addr:     loadBase + pltAddr,
			StubAddr: trampoline,
			PLT:      true,
		})
		pltCount++
	}

	logger.Info("resolved patch sites", slog.Int("count", len(sites)), slog.Int("plt_count", pltCount))
	return sites
}

// openPMUGroup opens the named predefined PMU counter group (cycles,
// cache, or branches) for the traced pid on every CPU it runs on.
func openPMUGroup(name string, pid int) (*pmu.Group, error) {
	var events []pmu.EventType
	switch name {
	case "cycles":
		events = pmu.GroupCyclesInstructions
	case "cache":
		events = pmu.GroupCacheRefsMisses
	case "branches":
		events = pmu.GroupBranchesMisses
	default:
		return nil, fmt.Errorf("unknown pmu group %q: want cycles, cache, or branches", name)
	}
	return pmu.Open(events, pid, -1)
}

// sdtEventIDBase is the first event ID handed out to armed static probes,
// kept clear of mcount's own reserved PMU event ID (0xFE) and low enough
// to leave room for future reserved ranges.
const sdtEventIDBase = 0x80

// armSDTProbes discovers every static probe point in binaryPath, arms the
// ones matching pattern with a prologue-style trap (see
// traploop.Loop.handleSDT), and returns the absolute (loadBase-added) trap
// address to event-ID map traploop needs plus the events.txt rows describing them.
// An empty pattern disables SDT entirely.
func armSDTProbes(controller *session.Controller, binaryPath, pattern string, loadBase uint64, logger *slog.Logger) (map[uint64]uint8, []sidecar.Event) {
	if pattern == "" {
		return nil, nil
	}

	probes, err := sdt.Discover(binaryPath)
	if err != nil {
		logger.Warn("failed to discover static probes", slog.Any("error", err))
		return nil, nil
	}

	sites := map[uint64]uint8{}
	var events []sidecar.Event
	eventID := sdtEventIDBase
	for _, p := range probes {
		if !sdt.MatchPattern(p, pattern) || eventID >= 0xFE {
			continue
		}
		addr := loadBase + p.ProbeAddr
		if err := controller.Patches().PatchPrologue(addr, 0); err != nil {
			logger.Warn("failed to arm static probe",
				slog.String("provider", p.Provider), slog.String("event", p.Event), slog.Any("error", err))
			continue
		}
		sites[addr] = uint8(eventID)
		events = append(events, sidecar.Event{ID: eventID, Provider: p.Provider, Name: p.Event})
		eventID++
	}
	logger.Info("armed static probes", slog.Int("count", len(sites)))
	return sites, events
}
