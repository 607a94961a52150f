package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/realtime-voice-go/internal/supervisor"
	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/audio/wav"
	"github.com/chriscow/realtime-voice-go/pkg/config"
	"github.com/chriscow/realtime-voice-go/pkg/playback"
	"github.com/chriscow/realtime-voice-go/pkg/plugin"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
	"github.com/chriscow/realtime-voice-go/pkg/turn"
)

// Synthetic user turns: a tone long enough to count as speech, followed by
// enough silence for the local timeout and the fake reply.
const (
	syntheticSpeech  = 700 * time.Millisecond
	syntheticSilence = 2 * time.Second
	syntheticToneHz  = 220
)

type simulateOptions struct {
	WAV          string
	Mode         string
	Detector     string
	SaveDir      string
	MetricsAddr  string
	Duration     time.Duration
	FailConnects int
	Turns        int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a conversation against the in-memory realtime channel",
	Long: `simulate feeds a WAV file, or synthetic speech when --wav is not set,
through the turn controller as if it came from a microphone. Replies from the
fake channel are played in real time and transcripts are printed as turns
complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := simulateOptions{}
		opts.WAV, _ = cmd.Flags().GetString("wav")
		opts.Mode, _ = cmd.Flags().GetString("mode")
		opts.Detector, _ = cmd.Flags().GetString("detector")
		opts.SaveDir, _ = cmd.Flags().GetString("save-dir")
		opts.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		opts.Duration, _ = cmd.Flags().GetDuration("duration")
		opts.FailConnects, _ = cmd.Flags().GetInt("fail-connects")
		opts.Turns, _ = cmd.Flags().GetInt("turns")

		if opts.Mode != "" {
			cfg.VAD.Mode = opts.Mode
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if opts.MetricsAddr == "" {
			opts.MetricsAddr = cfg.Metrics.Addr
		}

		logger := newLogger(cfg)
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runSimulation(ctx, cfg, opts, cmd.OutOrStdout(), logger)
	},
}

func addSimulateFlags(cmd *cobra.Command) {
	cmd.Flags().String("wav", "", "WAV file to use as microphone input (synthetic speech when empty)")
	cmd.Flags().String("mode", "", "Turn detection mode override (local, server, manual)")
	cmd.Flags().String("detector", "rms", "Detector plugin used in local mode")
	cmd.Flags().String("save-dir", "", "Directory to write user.wav and assistant.wav into")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Duration("duration", 30*time.Second, "Upper bound on the simulation run time")
	cmd.Flags().Int("fail-connects", 0, "Number of initial connection attempts the channel rejects")
	cmd.Flags().Int("turns", 2, "Number of synthetic user turns")
}

type segment struct {
	frames []rtc.AudioFrame
	speech bool
}

type simulation struct {
	vad    vad.Config
	logger *zap.Logger

	ctrl   *turn.Controller
	player *playback.Player

	userWAV *wav.Writer
}

func runSimulation(ctx context.Context, cfg *config.Config, opts simulateOptions, out io.Writer, logger *zap.Logger) error {
	vadCfg, err := cfg.VADConfig()
	if err != nil {
		return err
	}
	session := cfg.SessionConfig()

	segments, err := buildSegments(opts, session.SampleRate, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	channelOpts := map[string]any{
		"interval":   "20ms",
		"server_vad": true,
	}
	for k, v := range cfg.Channel.Options {
		channelOpts[k] = v
	}
	if opts.FailConnects > 0 {
		channelOpts["fail_connects"] = opts.FailConnects
	}
	channel, err := plugin.NewChannel(cfg.Channel.Plugin, channelOpts)
	if err != nil {
		return err
	}

	detector, err := plugin.NewDetector(opts.Detector, map[string]any{"threshold": vadCfg.Threshold})
	if err != nil {
		return err
	}

	sim := &simulation{vad: vadCfg, logger: logger.Named("simulate")}

	var output io.Writer
	if opts.SaveDir != "" {
		if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
			return fmt.Errorf("create save dir: %w", err)
		}
		sim.userWAV, err = wav.NewWriter(filepath.Join(opts.SaveDir, "user.wav"), uint32(session.SampleRate), 1)
		if err != nil {
			return err
		}
		defer sim.userWAV.Close()

		assistantWAV, err := wav.NewWriter(filepath.Join(opts.SaveDir, "assistant.wav"), uint32(session.SampleRate), 1)
		if err != nil {
			return err
		}
		defer assistantWAV.Close()
		output = assistantWAV
	}

	volume := float32(cfg.Playback.Volume)
	sim.player = playback.NewPlayer(playback.PlayerConfig{
		SampleRate:    session.SampleRate,
		FrameDuration: time.Duration(cfg.Playback.FrameDuration),
		Volume:        &volume,
		Output:        output,
		OnFinished:    func() { sim.ctrl.PlaybackFinished() },
		Logger:        logger.Named("playback"),
	})

	sup := supervisor.New(supervisor.Config{
		Retry:  cfg.RetryConfig(),
		Logger: logger.Named("supervisor"),
		Seed:   time.Now().UnixNano(),
	})

	sim.ctrl, err = turn.New(turn.Config{
		Channel:     channel,
		Sink:        sim.player,
		Detector:    detector,
		VAD:         vadCfg,
		Session:     session,
		CaptureRate: session.SampleRate,
		Logger:      logger.Named("turn"),
		Registerer:  reg,
		Observer:    turn.Observers{sup, &transcriptPrinter{out: out}},
	})
	if err != nil {
		return err
	}

	logger.Info("starting simulation",
		zap.String("vad_mode", string(vadCfg.Mode)),
		zap.String("model", session.Model),
		zap.Int("segments", len(segments)),
		zap.Duration("max_duration", opts.Duration))

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sim.ctrl.Run(gctx) })
	g.Go(func() error { return sim.player.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx, sim.ctrl) })
	if opts.MetricsAddr != "" {
		serveMetrics(gctx, g, opts.MetricsAddr, reg, logger)
	}
	g.Go(func() error {
		defer cancel()
		return sim.feed(gctx, segments)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("simulation stopped at --duration limit")
	case errors.Is(err, context.Canceled):
	case err != nil:
		return err
	}

	return printSummary(out, reg)
}

func buildSegments(opts simulateOptions, rate int, logger *zap.Logger) ([]segment, error) {
	if opts.WAV != "" {
		frames, header, err := wav.ReadFile(opts.WAV)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded wav",
			zap.String("path", opts.WAV),
			zap.Uint32("sample_rate", header.SampleRate),
			zap.Uint16("channels", header.NumChannels),
			zap.Duration("duration", header.Duration()))
		return []segment{{frames: frames, speech: true}}, nil
	}

	if opts.Turns < 1 {
		return nil, fmt.Errorf("--turns must be at least 1, got %d", opts.Turns)
	}
	var segments []segment
	for i := 0; i < opts.Turns; i++ {
		segments = append(segments,
			segment{frames: wav.ToneFrames(syntheticToneHz, 0.3, syntheticSpeech, rate), speech: true},
			segment{frames: wav.SilenceFrames(syntheticSilence, rate)},
		)
	}
	return segments, nil
}

// feed plays every segment into the controller, waits for the last reply to
// finish, then ends the conversation.
func (s *simulation) feed(ctx context.Context, segments []segment) error {
	if err := s.waitFor(ctx, func() bool { return s.ctrl.State().Connected() }); err != nil {
		return err
	}

	manual := s.vad.Mode == vad.ModeManual
	for _, seg := range segments {
		if manual && seg.speech {
			s.ctrl.StartRecording()
		}
		if err := s.play(ctx, seg.frames); err != nil {
			return err
		}
		if manual && seg.speech {
			s.ctrl.StopRecording()
		}
	}

	if err := s.settle(ctx); err != nil {
		return err
	}

	s.logger.Info("input exhausted, ending conversation")
	s.ctrl.EndConversation()

	endCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.waitFor(endCtx, func() bool { return s.ctrl.State() == turn.StateIdle })
}

func (s *simulation) play(ctx context.Context, frames []rtc.AudioFrame) error {
	src := wav.NewSource(frames)
	ch, err := src.Frames(ctx)
	if err != nil {
		return err
	}
	for frame := range ch {
		s.capture(&frame)
	}
	return ctx.Err()
}

func (s *simulation) capture(frame *rtc.AudioFrame) {
	s.ctrl.OnAudioFrame(frame)
	if s.userWAV != nil {
		if err := s.userWAV.WriteFrame(frame); err != nil {
			s.logger.Warn("recording input failed", zap.Error(err))
		}
	}
}

// settle keeps the microphone open with silence until the conversation is
// back at Ready with nothing left to play.
func (s *simulation) settle(ctx context.Context) error {
	rate := rtc.DefaultSampleRate
	silence := wav.SilenceFrames(wav.FrameDuration, rate)[0]
	return s.waitFor(ctx, func() bool {
		s.capture(&silence)
		return s.ctrl.State() == turn.StateReady && !s.player.Playing() && s.player.Buffered() == 0
	})
}

// waitFor polls done once per frame duration.
func (s *simulation) waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(wav.FrameDuration)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// printSummary writes the rtvoice counters gathered from reg.
func printSummary(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nMETRIC\tVALUE")
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "rtvoice_") {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		fmt.Fprintf(w, "%s\t%g\n", mf.GetName(), total)
	}
	return w.Flush()
}

// transcriptPrinter prints one line per finished user and assistant turn.
// It runs on the controller goroutine.
type transcriptPrinter struct {
	out       io.Writer
	state     turn.State
	user      string
	assistant string
}

func (p *transcriptPrinter) OnStateChanged(state turn.State) {
	prev := p.state
	p.state = state

	switch {
	case prev == turn.StateConnecting && state == turn.StateReady:
		fmt.Fprintln(p.out, "* connected")
	case prev != turn.StateIdle && state == turn.StateIdle:
		fmt.Fprintln(p.out, "* session ended")
	case state == turn.StateWaitingForResponse:
		p.assistant = ""
	case state == turn.StateAssistantSpeaking && p.user != "":
		fmt.Fprintf(p.out, "user: %s\n", p.user)
		p.user = ""
	}

	if prev == turn.StateAssistantSpeaking && state != turn.StateAssistantSpeaking {
		line := "assistant: " + p.assistant
		if state == turn.StateUserSpeaking {
			line += " [interrupted]"
		}
		fmt.Fprintln(p.out, line)
		p.assistant = ""
	}
}

func (p *transcriptPrinter) OnUserTranscript(text string) {
	if text != "" {
		p.user = text
	}
}

func (p *transcriptPrinter) OnAssistantTranscript(text string) {
	if text != "" {
		p.assistant = text
	}
}

func (p *transcriptPrinter) OnError(err error) {
	fmt.Fprintf(p.out, "* error: %v\n", err)
}
