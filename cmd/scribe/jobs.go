package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/EchoScribe/internal/auth"
	"github.com/dharsanguruparan/EchoScribe/internal/config"
	"github.com/dharsanguruparan/EchoScribe/internal/history"
	"github.com/dharsanguruparan/EchoScribe/internal/jobsapi"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/orchestrator"
	"github.com/dharsanguruparan/EchoScribe/internal/upload"
)

type clients struct {
	cfg    *config.Config
	tokens auth.Provider
	api    *jobsapi.Client
}

func newClients() (*clients, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tokens := auth.Static(cfg.Token)
	if cfg.TokenFile != "" {
		tokens = auth.File(cfg.TokenFile)
	}
	return &clients{
		cfg:    cfg,
		tokens: tokens,
		api:    jobsapi.New(cfg.APIURL, &http.Client{Timeout: cfg.HTTPTimeout}),
	}, nil
}

func (c *clients) token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", errors.New("not signed in: set SCRIBE_TOKEN or SCRIBE_TOKEN_FILE")
	}
	return tok, nil
}

func newSubmitCmd() *cobra.Command {
	var language, email string
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Upload a recording and follow the job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClients()
			if err != nil {
				return err
			}
			f, err := openAudio(args[0])
			if err != nil {
				return err
			}
			defer f.Body.(io.Closer).Close()
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), c, f, language, email)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "en", "Spoken language of the recording")
	cmd.Flags().StringVar(&email, "email", "", "Notification address for this job")
	return cmd
}

func runSubmit(ctx context.Context, out io.Writer, c *clients, f *upload.File, language, email string) error {
	view := history.New(c.tokens, c.api, history.WithLimit(c.cfg.HistoryLimit))
	var lastNote string
	orch := orchestrator.New(c.tokens, c.api, upload.NewTransport(nil), orchestrator.Options{
		PollInterval:  c.cfg.PollInterval,
		MaxPollRounds: c.cfg.MaxPollRounds,
		Rules:         orchestrator.Rules{ContentTypes: model.AudioContentTypes(), Languages: c.cfg.Languages},
		History:       view,
		OnUpdate: func(s orchestrator.Snapshot) {
			if s.Note != "" && s.Note != lastNote {
				lastNote = s.Note
				fmt.Fprintf(out, "[%s] %s\n", time.Now().Format("15:04:05"), s.Note)
			}
		},
	})
	defer orch.Close()

	run, err := orch.Submit(ctx, orchestrator.Submission{File: f, Language: language, Email: email})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s submitted\n", run.JobID())

	snap, err := run.Wait(ctx)
	if ctx.Err() != nil {
		run.Cancel()
		<-run.Done()
		return fmt.Errorf("stopped following job %s; it keeps running on the server", run.JobID())
	}
	if snap.Notice != "" {
		fmt.Fprintln(out, snap.Notice)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, snap.Transcript)
	counts := view.Counts()
	fmt.Fprintf(out, "history: %d completed, %d processing, %d failed\n", counts.Completed, counts.Processing, counts.Failed)
	return nil
}

// openAudio opens path and infers its MIME type from the extension.
func openAudio(path string) (*upload.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	ct, ok := model.ContentTypeForExtension(path)
	if !ok {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	}
	return &upload.File{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: ct,
		Body:        fh,
	}, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClients()
			if err != nil {
				return err
			}
			tok, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			job, err := c.api.GetJob(cmd.Context(), tok, args[0])
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), []model.Job{*job})
			if job.ErrorMessage != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", job.ErrorMessage)
			}
			return nil
		},
	}
}

func newJobsCmd() *cobra.Command {
	var limit int
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClients()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = c.cfg.HistoryLimit
			}
			if _, err := c.token(cmd.Context()); err != nil {
				return err
			}
			view := history.New(c.tokens, c.api, history.WithLimit(limit))
			out := cmd.OutOrStdout()
			if watch > 0 {
				err := view.Watch(cmd.Context(), watch, func(jobs []model.Job) {
					fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.RFC3339))
					printJobs(out, jobs)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if err := view.Refresh(cmd.Context()); err != nil {
				return err
			}
			printJobs(out, view.Jobs())
			counts := view.Counts()
			fmt.Fprintf(out, "%d jobs: %d completed, %d processing, %d failed\n", counts.Total, counts.Completed, counts.Processing, counts.Failed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of jobs to list (1-100)")
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Refresh every interval until interrupted")
	return cmd
}

func newTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript JOB_ID",
		Short: "Print the transcript of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClients()
			if err != nil {
				return err
			}
			tok, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			t, err := c.api.GetTranscript(cmd.Context(), tok, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Transcript)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token helpers",
	}
	var userID, email string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token signed with SCRIBE_SIGNING_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("SCRIBE_SIGNING_SECRET") == "" {
				return errors.New("SCRIBE_SIGNING_SECRET must match the API server's secret")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.NewSigner(cfg.SigningSecret, cfg.TokenTTL).Issue(userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	issue.Flags().StringVar(&email, "email", "", "User email")
	_ = issue.MarkFlagRequired("user")
	cmd.AddCommand(issue)
	return cmd
}

func printJobs(out io.Writer, jobs []model.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tFILE\tLANG\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.JobID, j.Status, j.Filename, j.Language, j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}
