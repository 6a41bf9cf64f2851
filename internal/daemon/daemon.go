// Package daemon runs a single traffic port from configuration to teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/core"
	"firestige.xyz/trafficport/internal/device"
	logpkg "firestige.xyz/trafficport/internal/log"
	"firestige.xyz/trafficport/internal/metrics"
	"firestige.xyz/trafficport/internal/port"
	"firestige.xyz/trafficport/internal/stream"

	// device backends
	_ "firestige.xyz/trafficport/internal/device/afpacket"
	_ "firestige.xyz/trafficport/internal/device/sim"
)

// Options are the per-run knobs that do not belong in the config file.
type Options struct {
	PIDFile     string        // empty disables the PID file
	Duration    time.Duration // 0 runs until a signal or Shutdown
	CaptureOut  string        // pcap output path; empty disables capture
	NoTransmit  bool
	StreamsFile string // overrides streams_file from the config
}

// Daemon owns the port, its device and the metrics endpoint.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	opts       Options

	// Core components
	dev           device.Device
	port          *port.Port
	registry      *prometheus.Registry
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	stopOnce     sync.Once
	stopErr      error
	sigChan      chan os.Signal
}

// New loads the configuration and creates a Daemon.
func New(configPath string, opts Options) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.StreamsFile != "" {
		globalConfig.StreamsFile = opts.StreamsFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		opts:         opts,
		registry:     prometheus.NewRegistry(),
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Port returns the managed port, nil before Start.
func (d *Daemon) Port() *port.Port {
	return d.port
}

// Start brings the port up and starts transmit and capture as requested.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logpkg.GetLogger()
	log.WithFields(map[string]interface{}{
		"config":  d.configPath,
		"port":    d.config.Port.Name,
		"backend": d.config.Port.Backend,
	}).Info("starting trafficport")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startPort(); err != nil {
		if rerr := d.removePIDFile(); rerr != nil {
			log.WithError(rerr).Error("error removing PID file")
		}
		return err
	}

	go d.logStats()

	log.Info("trafficport started")
	return nil
}

// startPort runs the Start steps that follow the PID file. On error every
// component it brought up is torn down again.
func (d *Daemon) startPort() error {
	// 3. Open the device and bring the port up
	dev, err := device.Open(d.config.Port)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	d.dev = dev
	d.port = port.New(d.config.Port, dev, port.WithScheduleHook(func(rep port.ScheduleReport) {
		metrics.RecordSchedule(d.config.Port.Name, rep)
	}))
	if err := d.port.Init(); err != nil {
		_ = d.port.Close()
		return fmt.Errorf("failed to initialize port: %w", err)
	}

	// 4. Start metrics server
	if err := d.startMetrics(); err != nil {
		_ = d.port.Close()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. Load and schedule the stream list
	if err := d.loadStreams(); err != nil {
		d.teardown()
		return err
	}

	// 6. Capture before transmit so looped-back frames are recorded
	if d.opts.CaptureOut != "" {
		if err := d.port.StartCapture(); err != nil {
			d.teardown()
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	// 7. Transmit
	if !d.opts.NoTransmit {
		if err := d.port.StartTransmit(); err != nil {
			d.teardown()
			return fmt.Errorf("failed to start transmit: %w", err)
		}
	}

	return nil
}

// loadStreams reads the stream list, if any, and programs the device.
// Per-stream failures are logged by the scheduler and do not abort the run.
func (d *Daemon) loadStreams() error {
	if d.config.StreamsFile == "" {
		logpkg.GetLogger().Warn("no streams_file configured, nothing to transmit")
		return nil
	}

	streams, err := stream.LoadFile(d.config.StreamsFile)
	if err != nil {
		return fmt.Errorf("failed to load streams: %w", err)
	}
	d.port.SetStreamList(streams)

	rep, err := d.port.UpdatePacketList()
	if err != nil {
		return fmt.Errorf("failed to schedule streams: %w", err)
	}
	entry := logpkg.GetLogger().WithFields(map[string]interface{}{
		"registered": rep.Registered,
		"skipped":    rep.Skipped,
		"failed":     rep.Failed,
		"frames":     rep.Frames,
		"loop":       rep.LoopMode,
	})
	if rep.Err != nil {
		entry.WithError(rep.Err).Warn("stream list scheduled with errors")
	} else {
		entry.Info("stream list scheduled")
	}
	return nil
}

// Reload re-reads the stream list and reprograms the device. A running
// transmit is stopped for the update and restarted afterwards.
func (d *Daemon) Reload() error {
	if d.port == nil {
		return core.ErrPortNotReady
	}
	log := logpkg.GetLogger()
	log.WithField("path", d.config.StreamsFile).Info("reloading stream list")

	wasOn := d.port.IsTransmitOn()
	if wasOn {
		if err := d.port.StopTransmit(); err != nil {
			return fmt.Errorf("failed to stop transmit: %w", err)
		}
	}
	if err := d.loadStreams(); err != nil {
		return err
	}
	if wasOn {
		if err := d.port.StartTransmit(); err != nil {
			return fmt.Errorf("failed to restart transmit: %w", err)
		}
	}
	return nil
}

// Stop stops transmit and capture, writes the capture file, closes the
// port and stops the metrics server. Only the first call does any work.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		logpkg.GetLogger().Info("initiating graceful shutdown")
		d.stopErr = d.shutdown()
	})
	return d.stopErr
}

func (d *Daemon) shutdown() error {
	log := logpkg.GetLogger()
	var errs []error

	// 1. Stop transmit
	if d.port != nil && d.port.IsTransmitOn() {
		if err := d.port.StopTransmit(); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Stop capture and save it
	if d.port != nil && d.port.IsCaptureOn() {
		if err := d.saveCapture(); err != nil {
			log.WithError(err).Error("failed to save capture")
			errs = append(errs, err)
		}
	}

	// 3. Port teardown, then metrics
	d.teardown()

	// 4. Cancel context to signal all goroutines
	d.cancel()

	// 5. Unregister signal handler
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		log.WithError(err).Error("error removing PID file")
	}

	log.Info("trafficport stopped")
	return errors.Join(errs...)
}

func (d *Daemon) teardown() {
	log := logpkg.GetLogger()
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			log.WithError(err).Error("error closing port")
		}
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("error stopping metrics server")
		}
		d.metricsServer = nil
	}
}

// saveCapture stops the capture and copies the pcap file to CaptureOut.
// A truncated capture buffer still saves every record before the damage.
func (d *Daemon) saveCapture() error {
	n, stopErr := d.port.StopCapture()

	data, err := d.port.CaptureData()
	if err != nil {
		return errors.Join(stopErr, err)
	}

	out, err := os.Create(d.opts.CaptureOut)
	if err != nil {
		return errors.Join(stopErr, fmt.Errorf("create capture output: %w", err))
	}
	written, err := io.Copy(out, data)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Join(stopErr, fmt.Errorf("write capture output: %w", err))
	}

	logpkg.GetLogger().WithFields(map[string]interface{}{
		"path":    d.opts.CaptureOut,
		"packets": n,
		"bytes":   written,
	}).Info("capture saved")
	return stopErr
}

// Shutdown asks Run to return. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Run blocks until shutdown is triggered, then stops the daemon.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the configured run duration elapsing
//  3. Shutdown
//
// SIGHUP reloads the stream list.
func (d *Daemon) Run() error {
	log := logpkg.GetLogger()

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	var deadline <-chan time.Time
	if d.opts.Duration > 0 {
		timer := time.NewTimer(d.opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	log.Info("trafficport running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.WithField("signal", sig.String()).Info("received shutdown signal")
				return d.Stop()

			case syscall.SIGHUP:
				log.Info("received reload signal")
				if err := d.Reload(); err != nil {
					log.WithError(err).Error("failed to reload stream list")
				}
			}

		case <-deadline:
			log.WithField("duration", d.opts.Duration.String()).Info("run duration elapsed")
			return d.Stop()

		case <-d.shutdownChan:
			log.Info("shutdown requested")
			return d.Stop()

		case <-d.ctx.Done():
			return d.Stop()
		}
	}
}

// logStats logs a stats line every stats interval while the daemon runs.
func (d *Daemon) logStats() {
	ticker := time.NewTicker(d.config.Port.StatsInterval)
	defer ticker.Stop()

	log := logpkg.GetLogger().WithField("port", d.config.Port.Name)
	for {
		select {
		case <-ticker.C:
			s := d.port.Stats()
			log.WithFields(map[string]interface{}{
				"tx_pkts": s.TxPkts,
				"tx_pps":  s.TxPps,
				"tx_bps":  s.TxBps,
				"rx_pkts": s.RxPkts,
				"rx_pps":  s.RxPps,
				"rx_bps":  s.RxBps,
				"drops":   s.RxDrops,
			}).Info("port stats")
		case <-d.ctx.Done():
			return
		}
	}
}

// startMetrics starts the metrics HTTP server if enabled. The port
// collector lives in a private registry served next to the default one,
// which carries the scheduler and runtime metrics.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		logpkg.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.registry.MustRegister(metrics.NewPortCollector(d.port))
	gatherer := prometheus.Gatherers{prometheus.DefaultGatherer, d.registry}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, gatherer)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// MetricsAddr returns the bound metrics address, empty if disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.opts.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.opts.PIDFile, err)
	}

	logpkg.GetLogger().WithFields(map[string]interface{}{"path": d.opts.PIDFile, "pid": pid}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.opts.PIDFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
