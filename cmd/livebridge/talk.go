package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/pkg/live"
)

func newTalkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Start a voice conversation through the bridge",
		Long: `Connect to live.url, stream the microphone and play the model's replies.

Type 'm' and press Enter to toggle the microphone mute. Press Ctrl+C to hang up.`,
		Args: cobra.NoArgs,
		RunE: runTalk,
	}
}

func runTalk(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	dev, err := reg.CreateBackend(cfg.Audio)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("close audio backend", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	console := newConsoleObserver(out)
	defer console.Close()

	sess, err := live.New(cfg.Live.SystemInstruction, nil,
		live.WithURL(cfg.Live.URL),
		live.WithDevice(dev),
		live.WithModel(cfg.Live.Model),
		live.WithVoice(cfg.Live.Voice),
		live.WithBlockSize(cfg.Audio.BlockSize),
		live.WithCaptureRate(cfg.Audio.CaptureSampleRate),
		live.WithInputDevice(cfg.Audio.InputDevice),
		live.WithSendBuffer(cfg.Live.SendBuffer),
		live.WithObserver(console),
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "connecting to %s (backend %s); 'm'+Enter toggles mute, Ctrl+C hangs up\n",
		cfg.Live.URL, cfg.Audio.Backend)

	go readMuteToggles(cmd.InOrStdin(), sess, out)

	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		_ = sess.Close()
	case <-sess.Done():
	}
	<-sess.Done()
	return sess.Err()
}

// readMuteToggles flips the session's mute on every line equal to "m". It
// returns when in is exhausted or the session ends.
func readMuteToggles(in io.Reader, sess *live.Session, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case <-sess.Done():
			return
		default:
		}
		if !strings.EqualFold(strings.TrimSpace(sc.Text()), "m") {
			continue
		}
		muted := !sess.Muted()
		sess.SetMuted(muted)
		if muted {
			fmt.Fprintln(out, "microphone muted")
		} else {
			fmt.Fprintln(out, "microphone live")
		}
	}
}

// consoleBacklog bounds how many status lines may wait for a slow terminal.
const consoleBacklog = 32

// consoleObserver prints connection and speaking changes and logs the
// microphone level at debug. Callbacks only queue lines; a separate goroutine
// writes them, so a stalled terminal never holds up the audio callbacks that
// report speaking changes.
type consoleObserver struct {
	lines chan string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	o := &consoleObserver{
		lines: make(chan string, consoleBacklog),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go o.print(out)
	return o
}

func (o *consoleObserver) StateChanged(s live.State) {
	o.printf("[%s]\n", s)
}

func (o *consoleObserver) SpeakingChanged(speaking bool) {
	if speaking {
		o.printf("model speaking...\n")
	} else {
		o.printf("model listening\n")
	}
}

func (o *consoleObserver) VolumeChanged(level float64) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	slog.Debug("mic level", "level", fmt.Sprintf("%.3f", level), "meter", meter(level, 20))
}

// printf queues a line, dropping it when the backlog is full.
func (o *consoleObserver) printf(format string, args ...any) {
	select {
	case o.lines <- fmt.Sprintf(format, args...):
	default:
	}
}

func (o *consoleObserver) print(out io.Writer) {
	defer close(o.done)
	for {
		select {
		case line := <-o.lines:
			fmt.Fprint(out, line)
		case <-o.stop:
			for {
				select {
				case line := <-o.lines:
					fmt.Fprint(out, line)
				default:
					return
				}
			}
		}
	}
}

// Close writes the queued lines and stops the printer. Lines queued after
// Close are discarded.
func (o *consoleObserver) Close() {
	o.once.Do(func() { close(o.stop) })
	<-o.done
}

// meter renders level in [0, 1] as a bar of width cells.
func meter(level float64, width int) string {
	n := int(level*float64(width) + 0.5)
	n = max(0, min(n, width))
	return strings.Repeat("#", n) + strings.Repeat(".", width-n)
}

var _ live.Observer = (*consoleObserver)(nil)
