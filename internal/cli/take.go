package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-candidate/internal/database"
	"github.com/stemsi/exstem-candidate/internal/examapi"
	"github.com/stemsi/exstem-candidate/internal/logger"
	"github.com/stemsi/exstem-candidate/internal/proctor"
	"github.com/stemsi/exstem-candidate/internal/progress"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/session"
	"github.com/stemsi/exstem-candidate/internal/tick"
	"github.com/stemsi/exstem-candidate/internal/validator"
	"golang.org/x/term"
)

var errTokenRequired = errors.New("CANDIDATE_TOKEN is required")

func newTakeCommand(a *app) *cobra.Command {
	var captureFile string
	cmd := &cobra.Command{
		Use:   "take <exam-id>",
		Short: "Take an exam attempt from this terminal",
		Long: "Loads the exam, waits for it to open, and runs the attempt. Answers are typed as\n" +
			"commands on stdin; type help once the exam is shown.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if captureFile != "" {
				a.cfg.CaptureFile = captureFile
			}
			return a.take(cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&captureFile, "capture", "", "IVF (VP8) file streamed as the camera; overrides CAPTURE_FILE")
	return cmd
}

func (a *app) take(cmd *cobra.Command, examID string) error {
	cfg := a.cfg
	if !validator.ValidExamID(examID) {
		return fmt.Errorf("invalid exam id %q", examID)
	}
	if cfg.CandidateToken == "" {
		return errTokenRequired
	}
	candidate, err := candidateFrom(cfg)
	if err != nil {
		return err
	}
	log := logger.ForAttempt(a.log, examID, candidate.ID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Transport ─────────────────────────────────────────────────────
	header := http.Header{"Authorization": {"Bearer " + cfg.CandidateToken}}
	relayURL := strings.TrimRight(cfg.RealtimeURL, "/") + "/" + url.PathEscape(examID)
	conn, err := realtime.Dial(ctx, relayURL, header, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ─── Draft Store ───────────────────────────────────────────────────
	var store progress.Store = progress.NewMemoryStore()
	if cfg.DraftRedisURL != "" {
		rdb, err := database.NewRedisClient(ctx, cfg.DraftRedisURL, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store = progress.NewRedisStore(rdb, cfg.DraftTTL)
	}

	// ─── Proctoring ────────────────────────────────────────────────────
	var (
		peers    proctor.PeerFactory
		capturer proctor.Capturer
	)
	if cfg.CaptureFile != "" {
		peers = proctor.NewPionFactory(cfg.ICEServers)
		capturer = proctor.NewFileCapturer(cfg.CaptureFile, cfg.CaptureFPS, cfg.CaptureWidth, cfg.CaptureHeight, log)
	} else {
		log.Info().Msg("No capture source configured, proctoring disabled")
	}

	console := NewConsole(cmd.OutOrStdout())
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		console.Printf("Ketik help untuk daftar perintah.\n")
	}

	s := session.New(session.Config{
		ExamID:         examID,
		Candidate:      candidate,
		PollInterval:   cfg.WaitingPollInterval,
		BlurDebounce:   cfg.BlurDebounce,
		RequestTimeout: cfg.RequestTimeout,
	}, session.Deps{
		Exams:     examapi.NewClient(cfg.ExamServiceURL, cfg.CandidateToken, &http.Client{Timeout: cfg.RequestTimeout}, log),
		Channel:   conn,
		Store:     store,
		Scheduler: tick.NewReal(),
		View:      console,
		Peers:     peers,
		Capturer:  capturer,
		Log:       log,
	})

	go readCommands(ctx, cmd.InOrStdin(), s, console)

	// The relay going away leaves the attempt without control events; treat it like leaving.
	go func() {
		select {
		case <-conn.Done():
			log.Warn().Msg("Realtime connection lost")
			s.Leave()
		case <-s.Done():
		}
	}()

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
