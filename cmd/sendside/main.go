package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sendside/sendside/internal/config"
	"github.com/sendside/sendside/internal/event"
	"github.com/sendside/sendside/internal/sender"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// stdio wraps os.Stdin/os.Stdout as the single bidirectional byte
// transport the sender core consumes (§6: "opaque bidirectional byte
// transport", session negotiation and framing are an external
// collaborator's job).
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func run() int {
	rootCmd := &cobra.Command{
		Use:   "sendside",
		Short: "Sending side of the rsync-style wire protocol",
		// Runnable so that a bare "sendside --version" reaches
		// PersistentPreRunE below.
		RunE: func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Fprintf(os.Stdout, "sendside %s\n", version)
			return &exitError{code: 0}
		}
		return nil
	}

	rootCmd.AddCommand(newServerCmd(), newClientCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if asExitError(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func asExitError(err error, target **exitError) bool {
	ee, ok := err.(*exitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// senderFlags holds the flag values shared by the server and client
// subcommands, since both roles differ only in which Builder defaults
// they start from (NewServer vs NewClient).
type senderFlags struct {
	preserveUser bool
	recurse      bool
	charset      string
	seedHex      string
	safeList     bool
	bwlimit      int
	verbose      bool
	quiet        bool
	logFile      string
}

func addSenderFlags(cmd *cobra.Command, f *senderFlags) {
	cmd.Flags().BoolVar(&f.preserveUser, "preserve-user", false, "preserve and transmit file owner names")
	cmd.Flags().BoolVar(&f.recurse, "recurse", false, "recurse into directories rather than sending them exactly")
	cmd.Flags().StringVar(&f.charset, "charset", "utf-8", "character encoding negotiated for pathnames")
	cmd.Flags().StringVar(&f.seedHex, "checksum-seed", "", "hex-encoded checksum seed (default: none)")
	cmd.Flags().BoolVar(&f.safeList, "safe-file-list", true, "terminate a segment with an error marker instead of the normal terminator when a directory scan fails")
	cmd.Flags().IntVar(&f.bwlimit, "bwlimit", 0, "outbound bandwidth limit in bytes/sec (0 = unlimited)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose logging")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress all but warnings and errors")
	cmd.Flags().StringVar(&f.logFile, "log", "", "write structured JSON log to FILE in addition to stderr")
}

func (f *senderFlags) checksumSeed() ([]byte, error) {
	if f.seedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(f.seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --checksum-seed: %w", err)
	}
	return seed, nil
}

func (f *senderFlags) fileSelection() sender.FileSelection {
	if f.recurse {
		return sender.Recurse
	}
	return sender.Exact
}

func (f *senderFlags) newLogger() (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch {
	case f.verbose:
		level = slog.LevelDebug
	case f.quiet:
		level = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	var handler slog.Handler = textHandler
	closer := func() {}
	if f.logFile != "" {
		lf, err := os.Create(f.logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = multiHandler{textHandler, jsonHandler}
		closer = func() { lf.Close() }
	}
	return slog.New(handler), closer, nil
}

// applyConfigDefaults fills in flag values left at their zero/default
// from the optional config file, the way the teacher's CLI layers
// config-file defaults under explicit flags.
func applyConfigDefaults(cmd *cobra.Command, f *senderFlags, defaults config.DefaultsConfig) {
	if !cmd.Flags().Changed("preserve-user") && defaults.PreserveUser != nil {
		f.preserveUser = *defaults.PreserveUser
	}
	if !cmd.Flags().Changed("recurse") && defaults.FileSelection != nil {
		f.recurse = *defaults.FileSelection == "recurse"
	}
	if !cmd.Flags().Changed("safe-file-list") && defaults.SafeFileList != nil {
		f.safeList = *defaults.SafeFileList
	}
	if !cmd.Flags().Changed("charset") && defaults.Charset != nil {
		f.charset = *defaults.Charset
	}
}

func newServerCmd() *cobra.Command {
	f := &senderFlags{}
	var sendStats bool
	cmd := &cobra.Command{
		Use:   "server <root>...",
		Short: "Run as the server-side sender, talking to a peer over stdin/stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSender(cmd, f, args, func(rw io.ReadWriter, roots []string, seed []byte) *sender.Builder {
				b := sender.NewServer(rw, roots, seed)
				return b
			}, sendStats)
		},
	}
	addSenderFlags(cmd, f)
	cmd.Flags().BoolVar(&sendStats, "send-statistics", true, "report transfer statistics to the peer at teardown")
	return cmd
}

func newClientCmd() *cobra.Command {
	f := &senderFlags{}
	cmd := &cobra.Command{
		Use:   "client <root>...",
		Short: "Run as the client-side sender, talking to a peer over stdin/stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSender(cmd, f, args, func(rw io.ReadWriter, roots []string, seed []byte) *sender.Builder {
				return sender.NewClient(rw, roots, seed)
			}, false)
		},
	}
	addSenderFlags(cmd, f)
	return cmd
}

func runSender(
	cmd *cobra.Command,
	f *senderFlags,
	roots []string,
	newBuilder func(io.ReadWriter, []string, []byte) *sender.Builder,
	sendStats bool,
) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyConfigDefaults(cmd, f, cfg.Defaults)
	if cmd.Flags().Lookup("send-statistics") != nil && !cmd.Flags().Changed("send-statistics") && cfg.Defaults.SendStatistics != nil {
		sendStats = *cfg.Defaults.SendStatistics
	}

	logger, closeLogger, err := f.newLogger()
	if err != nil {
		return err
	}
	defer closeLogger()
	slog.SetDefault(logger)

	seed, err := f.checksumSeed()
	if err != nil {
		return err
	}

	events := make(chan event.Event, 256)
	go logEvents(logger, events)

	b := newBuilder(stdio{}, roots, seed).
		FileSelection(f.fileSelection()).
		PreserveUser(f.preserveUser).
		Charset(f.charset).
		IsSafeFileList(f.safeList).
		IsSendStatistics(sendStats).
		Events(events).
		Logger(logger)
	if f.bwlimit > 0 {
		b.BandwidthLimit(f.bwlimit)
	}

	s := b.Build()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, err := s.Run(ctx)
	close(events)
	if err != nil {
		logger.Error("transfer failed", "error", err)
		return &exitError{code: 2}
	}
	if !ok {
		logger.Warn("transfer completed with recoverable errors")
		return &exitError{code: 1}
	}

	stats := s.Statistics()
	logger.Info("transfer complete",
		"files", stats.NumTransferredFiles,
		"literal_bytes", stats.TotalLiteralBytes,
		"matched_bytes", stats.TotalMatchedBytes,
	)
	return nil
}

func logEvents(logger *slog.Logger, events <-chan event.Event) {
	for ev := range events {
		attrs := []slog.Attr{
			slog.String("type", ev.Type.String()),
			slog.String("path", ev.Path),
			slog.Int("index", ev.Index),
			slog.Int64("size", ev.Size),
		}
		if ev.Error != nil {
			attrs = append(attrs, slog.String("error", ev.Error.Error()))
		}
		logger.LogAttrs(context.Background(), slog.LevelDebug, "sendside.event", attrs...)
	}
}

// multiHandler fans log records out to multiple slog.Handlers, mirroring
// the teacher's ui.NewMultiHandler for the --log text+JSON combination.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
