package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rxmon/pkg/logging"
	"github.com/rxmon/pkg/ring"
	"github.com/rxmon/pkg/shmring"
)

func main() {
	listen := flag.String("listen", ":8080", "HTTP/WebSocket listen address")
	device := flag.String("device", "hackrf", "receiver backend: hackrf or sim")
	audioSink := flag.String("audio-sink", "", "host:port receiving the demodulated audio stream")
	audioCodec := flag.String("audio-codec", "opus", "audio payload encoding: opus or pcm")
	ringMB := flag.Int("ring-mb", 16, "main sample ring size in MiB")
	audioRingMB := flag.Int("audio-ring-mb", 4, "audio sample ring size in MiB")
	shmName := flag.String("shm", "", "shared-memory tap name, e.g. rxmon-iq (disabled when empty)")
	dataDir := flag.String("data-dir", "./data", "directory for campaign and capture files")
	configFile := flag.String("config", "", "command document applied at startup (JSON)")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logFile := flag.String("log-file", "", "log to this file as JSON instead of stderr text")
	logMaxMB := flag.Int("log-max-mb", 32, "rotate the log file at this size")
	flag.Parse()

	log := logging.New(logging.Config{
		Level:     *logLevel,
		File:      *logFile,
		MaxSizeMB: *logMaxMB,
	})

	if err := run(log, options{
		listen:      *listen,
		device:      *device,
		audioSink:   *audioSink,
		audioCodec:  *audioCodec,
		ringMB:      *ringMB,
		audioRingMB: *audioRingMB,
		shmName:     *shmName,
		dataDir:     *dataDir,
		configFile:  *configFile,
	}); err != nil && err != context.Canceled {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

type options struct {
	listen      string
	device      string
	audioSink   string
	audioCodec  string
	ringMB      int
	audioRingMB int
	shmName     string
	dataDir     string
	configFile  string
}

func run(log *logging.Logger, opt options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := ParseAudioCodec(opt.audioCodec)
	if err != nil {
		return err
	}

	mainRing, err := ring.New(opt.ringMB << 20)
	if err != nil {
		return fmt.Errorf("main ring: %w", err)
	}
	audioRing, err := ring.New(opt.audioRingMB << 20)
	if err != nil {
		return fmt.Errorf("audio ring: %w", err)
	}

	var tap *shmring.Ring
	if opt.shmName != "" {
		tap, err = shmring.Create(opt.shmName, opt.ringMB<<20)
		if err != nil {
			return fmt.Errorf("shm tap: %w", err)
		}
		defer func() {
			tap.Close()
			shmring.Unlink(opt.shmName)
		}()
		log.Infof("shared-memory tap at /dev/shm/%s", opt.shmName)
	}

	var dev Receiver
	switch opt.device {
	case "hackrf":
		dev = NewHackRFReceiver(log)
	case "sim":
		dev = NewSimReceiver(log)
	default:
		return fmt.Errorf("unknown device %q, want hackrf or sim", opt.device)
	}

	eng := NewEngine(log, dev, nil, mainRing, audioRing, tap)

	iqrec, err := NewIQRecorder(opt.dataDir, log)
	if err != nil {
		return fmt.Errorf("iq recorder: %w", err)
	}
	eng.SetIQRecorder(iqrec)

	var egress *AudioEgress
	if opt.audioSink != "" {
		egress = NewAudioEgress(opt.audioSink, codec, log)
	}
	audio := NewAudioPipeline(eng, egress)
	eng.SetAudioMetrics(audio.Metrics)

	srv := NewServer(opt.listen, eng, log)
	eng.SetPublisher(srv)

	ctrl := NewController(eng, audio, opt.dataDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return audio.Run(ctx) })
	g.Go(func() error { return eng.RunStatusLoop(ctx) })
	if egress != nil {
		g.Go(func() error { return egress.Run(ctx) })
	}

	if opt.configFile != "" {
		doc, err := LoadCommandFile(opt.configFile)
		if err != nil {
			return fmt.Errorf("startup config: %w", err)
		}
		eng.SubmitCommandDoc(doc)
		log.Infof("startup configuration submitted from %s", opt.configFile)
	}

	log.Infof("rxmon up: device %s, listening on %s", dev.Name(), opt.listen)
	return g.Wait()
}
