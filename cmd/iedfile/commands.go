package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jhalter/iedfile/internal/iedfile"
	"github.com/jhalter/iedfile/mms"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	host       string
	port       int
	charset    string
	timeout    time.Duration
	logLevel   string
	logFile    string

	config *iedfile.ClientConfig
	logger *slog.Logger
}

// New returns the iedfile root command.
func New() *cobra.Command {
	opts := &options{}

	rootCommand := &cobra.Command{
		Use:           "iedfile",
		Short:         "Transfer files from IEC 61850 devices",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := rootCommand.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a client config file")
	flags.StringVarP(&opts.host, "host", "H", "", "Device host name or address")
	flags.IntVarP(&opts.port, "port", "p", mms.DefaultPort, "Device port")
	flags.StringVar(&opts.charset, "charset", mms.DefaultCharset, "Encoding of file names on the wire")
	flags.DurationVarP(&opts.timeout, "timeout", "t", mms.DefaultRequestTimeout, "Timeout for each request")
	flags.StringVar(&opts.logLevel, "log-level", "error", "Log level")
	flags.StringVar(&opts.logFile, "log-file", "", "Path to log file")

	rootCommand.AddCommand(
		newDirCommand(opts),
		newGetCommand(opts),
		newSyncCommand(opts),
		newHistoryCommand(opts),
		newRmCommand(opts),
		newVersionCommand(),
	)

	return rootCommand
}

// load reads the config file and applies the flags the user set on top of it.
func (o *options) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	config, err := iedfile.LoadClientConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		config.Host = o.host
	}
	if flags.Changed("port") {
		config.Port = o.port
	}
	if flags.Changed("charset") {
		config.Charset = o.charset
	}
	if flags.Changed("timeout") {
		config.RequestTimeout = o.timeout
	}

	if err := config.Validate(); err != nil {
		return err
	}

	o.config = config
	o.logger = iedfile.NewLogger(cmd.ErrOrStderr(), o.logLevel, o.logFile)

	return nil
}

func (o *options) dial(ctx context.Context) (*mms.Conn, error) {
	return mms.Dial(ctx, o.config.Settings(), mms.WithConnLogger(o.logger))
}

func (o *options) device() string {
	return o.config.Settings().Addr()
}

func newDirCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dir [directory]",
		Short: "List a directory on the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				dir = args[0]
			}

			conn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			entries, err := mms.GetFileDirectory(conn, dir)
			if err != nil {
				return err
			}

			return renderDirectory(cmd.OutOrStdout(), entries)
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	var (
		output string
		resume bool
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "get <file>",
		Short: "Download a file from the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			conn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if output == "-" {
				_, err := mms.DownloadTo(conn, name, cmd.OutOrStdout(), mms.WithSessionLogger(opts.logger))
				return err
			}

			if output == "" {
				output = filepath.Base(iedfile.LocalName(name))
			}

			return getFile(cmd, opts, conn, name, output, resume, quiet)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `Local file to write, "-" for standard output`)
	cmd.Flags().BoolVarP(&resume, "resume", "r", false, "Continue a partial download of the local file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress on a terminal")

	return cmd
}

// getFile downloads name to output.  A fresh download goes to a temporary
// file that replaces output only once it completed, so a failure leaves any
// existing output untouched.  With resume the device sends the rest of the
// file after what output already holds, appended in place.
func getFile(cmd *cobra.Command, opts *options, conn *mms.Conn, name, output string, resume, quiet bool) error {
	var (
		f      *os.File
		offset int64
		err    error
	)
	if resume {
		f, err = os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return err
		}
		offset = info.Size()
	} else {
		f, err = os.CreateTemp(filepath.Dir(output), ".iedfile-*")
		if err != nil {
			return err
		}
	}
	defer func() { _ = f.Close() }()

	if offset > int64(^uint32(0)) {
		return fmt.Errorf("%s is too large to resume", output)
	}

	progress := &mms.Progress{
		Name:    path.Base(strings.ReplaceAll(name, `\`, "/")),
		Size:    remoteSize(conn, name),
		Counter: &mms.WriteCounter{Total: offset},
	}

	showProgress := !quiet && isTerminal(cmd.ErrOrStderr())

	var w io.Writer = f
	if showProgress {
		w = &progressWriter{w: f, progress: progress, out: cmd.ErrOrStderr()}
	}

	n, err := mms.DownloadTo(conn, name, w,
		mms.WithSessionLogger(opts.logger),
		mms.WithInitialPosition(uint32(offset)),
	)
	if showProgress {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err == nil {
		err = f.Close()
	}
	if !resume {
		err = commitTemp(f.Name(), output, err)
	}
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), statusOK, "%s: %s written to %s", name, formatBytes(n), output)

	return nil
}

// commitTemp moves the finished download tmp over output, or removes tmp if
// the download failed with err.
func commitTemp(tmp, output string, err error) error {
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err == nil {
		err = os.Rename(tmp, output)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}

	return err
}

// remoteSize looks name up in its parent directory listing.  It returns 0
// when the device does not report the file.
func remoteSize(conn mms.DirectoryLister, name string) int64 {
	dir := path.Dir(strings.ReplaceAll(name, `\`, "/"))
	if dir == "." {
		dir = ""
	}

	entries, err := mms.GetFileDirectory(conn, dir)
	if err != nil {
		return 0
	}

	want := strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "/")
	for _, entry := range entries {
		if strings.TrimPrefix(entry.Name, "/") == want {
			return int64(entry.Size)
		}
	}

	return 0
}

func newSyncCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [directory]",
		Short: "Download new and changed files from a device directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.config.Directory
			if len(args) > 0 {
				dir = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			catalog, err := iedfile.OpenCatalog(ctx, opts.config.CatalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = catalog.Close() }()

			conn, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			syncer := &iedfile.Syncer{
				Conn:    conn,
				Catalog: catalog,
				Device:  opts.device(),
				OutDir:  opts.config.OutDir,
				Logger:  opts.logger,
			}

			report, err := syncer.Sync(ctx, dir)
			renderReport(cmd.OutOrStdout(), report)
			if errors.Is(err, context.Canceled) {
				return errors.New("sync interrupted")
			}

			return err
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the files fetched from the device by sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := iedfile.OpenCatalog(cmd.Context(), opts.config.CatalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = catalog.Close() }()

			records, err := catalog.List(cmd.Context(), opts.device())
			if err != nil {
				return err
			}

			return renderHistory(cmd.OutOrStdout(), records)
		},
	}
}

func newRmCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file>",
		Short: "Delete a file on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if err := conn.FileDelete(args[0]); err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), statusOK, "%s deleted", args[0])

			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "iedfile %s, commit %s, built at %s\n", version, commit, date)
		},
	}
}
