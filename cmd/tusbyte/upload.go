package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jaywantadh/tusbyte/config"
	"github.com/jaywantadh/tusbyte/internal/fingerprint"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/jaywantadh/tusbyte/internal/session"
	"github.com/jaywantadh/tusbyte/internal/transfer"
	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

func endpointFlag() cli.Flag {
	return &cli.StringFlag{Name: "endpoint", Aliases: []string{"e"}, Usage: "override client.endpoint"}
}

func newClient(c *cli.Context, cfg config.ClientConfig) (*transfer.Client, error) {
	endpoint := cfg.Endpoint
	if c.IsSet("endpoint") {
		endpoint = c.String("endpoint")
	}
	return transfer.NewClient(endpoint, transfer.ClientOptions{
		Timeout:           cfg.RequestTimeout,
		ChecksumAlgorithm: cfg.ChecksumAlgorithm,
	}, logging.Log)
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Aliases:   []string{"u"},
		Usage:     "Upload a file, resuming a previous attempt when possible",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "resume and retry without asking"},
			&cli.BoolFlag{Name: "restart", Usage: "always start a new upload"},
			&cli.StringSliceFlag{Name: "meta", Usage: "extra metadata as key=value"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("upload needs exactly one file", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return runUpload(c, cfg.Client, c.Args().First())
		},
	}
}

func runUpload(c *cli.Context, cfg config.ClientConfig, path string) error {
	log := logging.Log

	file, err := fingerprint.Stat(path)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	extra, err := parseMeta(c.StringSlice("meta"))
	if err != nil {
		return err
	}

	client, err := newClient(c, cfg)
	if err != nil {
		return err
	}
	info, err := client.Negotiate(c.Context)
	if err != nil {
		return fmt.Errorf("server discovery failed: %w", err)
	}
	if err := checkSize(info, file.Size); err != nil {
		return err
	}
	store, err := fingerprint.OpenPebbleStore(cfg.StorePath, log, fingerprint.WithWindow(cfg.ResumeWindow))
	if err != nil {
		return err
	}
	defer store.Close()

	p := newPrompter(os.Stdin, os.Stderr)
	var decider session.Decider = session.DeciderFunc(p.decide)
	var retry session.RetryPolicy = session.RetryPolicyFunc(p.retry)
	switch {
	case c.Bool("restart"):
		decider = session.AlwaysRestart
	case c.Bool("yes"):
		decider = session.AlwaysResume
		retry = session.MaxRetries(cfg.RetryAttempts)
	}

	bar := progressbar.NewOptions64(
		file.Size,
		progressbar.OptionSetDescription(file.Name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	m := session.NewManager(client, store, session.Options{
		Engine: transfer.EngineOptions{
			ChunkSize:      cfg.ChunkSize,
			MaxChunkSize:   cfg.MaxChunkSize,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		},
		Decider:  decider,
		Retry:    retry,
		Metadata: extra,
		OnProgress: func(uploaded, _ uint64) {
			_ = bar.Set64(int64(uploaded))
		},
	}, log)

	ctx := c.Context
	if err := m.Select(ctx, file, src); err != nil {
		return err
	}
	_ = bar.Set64(int64(m.Offset()))

	// Ctrl-C pauses so the upload can be resumed by running the command again.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			_ = m.Pause()
		}
	}()

	err = m.Start(ctx)
	fmt.Fprintln(os.Stderr)
	switch {
	case err == nil:
		fmt.Println(m.UploadURL())
		return nil
	case errors.Is(err, transfer.ErrPaused):
		log.WithField("offset", m.Offset()).Info("Upload paused, run the same command to resume")
		return nil
	}
	return err
}

// checkSize refuses files above the server's advertised limit before any
// session is created.
func checkSize(info transfer.ServerInfo, size int64) error {
	if info.MaxSize > 0 && uint64(size) > info.MaxSize {
		return &transfer.Error{
			Kind: transfer.ErrInvalidSize,
			Err:  fmt.Errorf("file is %s, server accepts at most %s", transfer.FormatBytes(uint64(size)), transfer.FormatBytes(info.MaxSize)),
		}
	}
	return nil
}

func parseMeta(pairs []string) (metadata.Pairs, error) {
	var meta metadata.Pairs
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", kv)
		}
		meta = meta.Set(k, v)
	}
	return meta, nil
}

// prompter asks the user on the terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) ask(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [Y/n] ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true, nil
	}
	return false, nil
}

func (p *prompter) decide(_ context.Context, c session.Candidate) (session.Choice, error) {
	q := fmt.Sprintf("Found an unfinished upload of %s started %s (%s of %s). Resume?",
		c.Record.FileName,
		c.Record.CreatedAt.Local().Format(time.Kitchen),
		transfer.FormatBytes(c.Offset),
		transfer.FormatBytes(c.Size))
	yes, err := p.ask(q)
	if errors.Is(err, io.EOF) {
		return session.Resume, nil
	}
	if err != nil {
		return session.Restart, err
	}
	if yes {
		return session.Resume, nil
	}
	return session.Restart, nil
}

func (p *prompter) retry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *transfer.Error
	if errors.As(err, &te) && te.Kind == transfer.ErrInvalidSize {
		return false
	}
	yes, aerr := p.ask(fmt.Sprintf("Upload failed (%v). Retry?", err))
	return aerr == nil && yes
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the offset of an upload",
		ArgsUsage: "<upload-url>",
		Flags:     []cli.Flag{endpointFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("status needs an upload URL", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			client, err := newClient(c, cfg.Client)
			if err != nil {
				return err
			}
			st, err := client.Status(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			fmt.Printf("offset:  %s of %s\n", transfer.FormatBytes(st.Offset), transfer.FormatBytes(st.Size))
			fmt.Printf("done:    %t\n", st.Finished())
			if !st.ExpiresAt.IsZero() {
				fmt.Printf("expires: %s\n", st.ExpiresAt.Local().Format(time.RFC1123))
			}
			for _, kv := range st.Metadata {
				fmt.Printf("meta:    %s=%s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func terminateCommand() *cli.Command {
	return &cli.Command{
		Name:      "terminate",
		Usage:     "Discard an upload on the server",
		ArgsUsage: "<upload-url>",
		Flags:     []cli.Flag{endpointFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("terminate needs an upload URL", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			client, err := newClient(c, cfg.Client)
			if err != nil {
				return err
			}
			if err := client.Terminate(c.Context, c.Args().First()); err != nil {
				return err
			}
			logging.Log.WithField("upload_url", c.Args().First()).Info("Upload terminated")
			return nil
		},
	}
}
