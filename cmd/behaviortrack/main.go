// Command behaviortrack replays a recorded signal log through the
// tracking pipeline against a real collector endpoint. It exists for
// two jobs: load-testing a collector with realistic traffic, and
// reproducing aggregation behavior from a captured session.
//
// The signal log is JSON lines, one signal per line:
//
//	{"at_ms":0,"kind":"edit","surface":"editor-main","content":"print(1)"}
//	{"at_ms":350,"kind":"click","tag":"button","selector":"#run","text":"Run","interactive":true}
//	{"at_ms":900,"kind":"activity"}
//	{"at_ms":1200,"kind":"visibility","hidden":true}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/serpent"

	"github.com/superludanman/behaviortrack/buildinfo"
	"github.com/superludanman/behaviortrack/notify"
	"github.com/superludanman/behaviortrack/tracker"
)

type signal struct {
	AtMS int64  `json:"at_ms"`
	Kind string `json:"kind"`

	// edit
	Surface string `json:"surface,omitempty"`
	Content string `json:"content,omitempty"`

	// click
	Tag         string  `json:"tag,omitempty"`
	Selector    string  `json:"selector,omitempty"`
	Text        string  `json:"text,omitempty"`
	InputType   string  `json:"input_type,omitempty"`
	Interactive bool    `json:"interactive,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`

	// visibility
	Hidden bool `json:"hidden,omitempty"`
}

func main() {
	var (
		logLevel    string
		file        string
		url         string
		participant string
		page        string
		speed       float64
		metricsAddr string
	)
	cmd := serpent.Command{
		Use:   "behaviortrack",
		Short: "Replay a behavioral signal log against a collector endpoint",
		Options: serpent.OptionSet{
			{
				Name:        "log-level",
				Description: "What level of logs to output.",
				Flag:        "log-level",
				Default:     "info",
				Value:       serpent.StringOf(&logLevel),
			},
			{
				Name:        "file",
				Description: "Signal log to replay, JSON lines. \"-\" reads stdin.",
				Flag:        "file",
				Default:     "-",
				Value:       serpent.StringOf(&file),
			},
			{
				Name:        "url",
				Description: "Collector endpoint receiving the event stream.",
				Flag:        "url",
				Required:    true,
				Value:       serpent.StringOf(&url),
			},
			{
				Name:        "participant",
				Description: "Participant id stamped on every event.",
				Flag:        "participant",
				Default:     "replay",
				Value:       serpent.StringOf(&participant),
			},
			{
				Name:        "page",
				Description: "Page URL stamped on click batches and hints.",
				Flag:        "page",
				Default:     "/replay",
				Value:       serpent.StringOf(&page),
			},
			{
				Name:        "speed",
				Description: "Replay speed multiplier. 0 replays without waiting.",
				Flag:        "speed",
				Default:     "1",
				Value:       serpent.Float64Of(&speed),
			},
			{
				Name:        "metrics-address",
				Description: "Serve prometheus metrics on this address while replaying.",
				Flag:        "metrics-address",
				Value:       serpent.StringOf(&metricsAddr),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()

			logger := slog.Make(sloghuman.Sink(inv.Stderr))
			switch strings.ToLower(logLevel) {
			case "debug":
				logger = logger.Leveled(slog.LevelDebug)
			case "info":
				logger = logger.Leveled(slog.LevelInfo)
			case "warn":
				logger = logger.Leveled(slog.LevelWarn)
			case "error":
				logger = logger.Leveled(slog.LevelError)
			default:
				return xerrors.Errorf("invalid log level %q", logLevel)
			}

			logger.Debug(ctx, "starting replay", slog.F("version", buildinfo.Version()))

			in := inv.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return xerrors.Errorf("open signal log: %w", err)
				}
				defer f.Close()
				in = f
			}

			reg := prometheus.NewRegistry()
			tr, err := tracker.New(tracker.Options{
				Logger:                logger,
				Registerer:            reg,
				IngestURL:             url,
				FallbackParticipantID: participant,
				PageURL:               page,
			})
			if err != nil {
				return xerrors.Errorf("build tracker: %w", err)
			}
			defer tr.Close()

			tr.OnHint(func(h notify.Hint) {
				logger.Info(ctx, "hint raised",
					slog.F("source", h.Source),
					slog.F("message", h.Message),
				)
			})

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			eg, egCtx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				eg.Go(func() error {
					logger.Info(egCtx, "serving metrics", slog.F("address", metricsAddr))
					err := srv.ListenAndServe()
					if xerrors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
				eg.Go(func() error {
					<-egCtx.Done()
					shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutCancel()
					return srv.Shutdown(shutCtx)
				})
			}

			eg.Go(func() error {
				defer cancel()
				n, err := replay(egCtx, logger, tr, in, speed)
				if err != nil {
					return err
				}
				tr.FlushAll()
				snap := tr.AnalysisSnapshot()
				logger.Info(egCtx, "replay complete",
					slog.F("signals", n),
					slog.F("events_sent", snap.EventsSent),
					slog.F("events_dropped", snap.EventsDropped),
				)
				return nil
			})

			return eg.Wait()
		},
	}

	if err := cmd.Invoke().WithOS().Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

// replay feeds signals into the tracker, pacing them by their recorded
// offsets scaled by speed. Returns the number of signals replayed.
func replay(ctx context.Context, logger slog.Logger, tr *tracker.Tracker, in io.Reader, speed float64) (int, error) {
	var (
		sc     = bufio.NewScanner(in)
		lastMS int64
		line   int
		count  int
	)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var sig signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			return count, xerrors.Errorf("parse signal on line %d: %w", line, err)
		}

		if speed > 0 && sig.AtMS > lastMS {
			wait := time.Duration(float64(sig.AtMS-lastMS)/speed) * time.Millisecond
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			case <-time.After(wait):
			}
		}
		lastMS = sig.AtMS

		switch sig.Kind {
		case "edit":
			tr.OnEditableContentChanged(sig.Surface, sig.Content)
		case "click":
			tr.OnClick(tracker.Click{
				Tag:         sig.Tag,
				Selector:    sig.Selector,
				Text:        sig.Text,
				InputType:   sig.InputType,
				Interactive: sig.Interactive,
				X:           sig.X,
				Y:           sig.Y,
			})
		case "activity":
			tr.OnActivity()
		case "visibility":
			tr.OnVisibilityChanged(sig.Hidden)
		default:
			logger.Warn(ctx, "unknown signal kind, skipping",
				slog.F("line", line),
				slog.F("kind", sig.Kind),
			)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, xerrors.Errorf("read signal log: %w", err)
	}
	return count, nil
}
