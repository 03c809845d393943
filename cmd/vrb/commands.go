package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vitalred/vrbackup/internal/app"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/logging"
	"github.com/vitalred/vrbackup/internal/retention"
	"github.com/vitalred/vrbackup/internal/schedule"
	"github.com/vitalred/vrbackup/internal/server"
	"github.com/vitalred/vrbackup/internal/version"
)

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var (
		backupType    string
		compress      bool
		format        string
		encrypt       bool
		retentionDays int
		keepLast      int
		noVerify      bool
		respectWindow bool
		retries       int
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, func(cfg *config.Config) {
				if backupType != "" {
					cfg.Backup.Type = strings.ToLower(backupType)
				}
				if format != "" {
					cfg.Backup.Format = strings.ToLower(format)
				}
				if retries > 0 {
					cfg.Backup.RetryCount = retries
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			req := rt.app.DefaultBackupRequest()
			if cmd.Flags().Changed("compress") {
				req.Compress = compress
			}
			if cmd.Flags().Changed("encrypt") {
				req.Encrypt = encrypt
			}
			if cmd.Flags().Changed("retention-days") {
				req.Retention.KeepDays = retentionDays
			}
			if cmd.Flags().Changed("keep-last") {
				req.Retention.KeepLast = keepLast
			}
			if noVerify {
				req.Verify = false
			}
			req.IgnoreWindow = !respectWindow

			ctx, cancel := rt.opContext()
			defer cancel()
			res, err := rt.app.BackupWithRetry(ctx, req)
			if err != nil {
				return err
			}
			printBackup(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupType, "type", "", "Backup type (full, database, files)")
	cmd.Flags().BoolVar(&compress, "compress", true, "Archive the backup")
	cmd.Flags().StringVar(&format, "format", "", "Archive format (zip, tar.gz, tar.zst, tar.lz4)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt the archive")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Delete backups older than N days (0 disables)")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N backups (0 disables)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip verification of the finished artifact")
	cmd.Flags().BoolVar(&respectWindow, "respect-window", false, "Refuse to run outside the configured backup window")
	cmd.Flags().IntVar(&retries, "retry", 0, "Total attempts for transient failures")
	return cmd
}

func printBackup(w io.Writer, res *app.BackupResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "status\tsuccess\n")
	fmt.Fprintf(tw, "backup\t%s\n", res.BackupID)
	fmt.Fprintf(tw, "artifact\t%s\n", res.Path)
	if res.RemoteKey != "" {
		fmt.Fprintf(tw, "remote\t%s\n", res.RemoteKey)
	}
	fmt.Fprintf(tw, "size\t%d bytes (%s)\n", res.Size, res.SizeHuman)
	fmt.Fprintf(tw, "files\t%d\n", res.Files)
	fmt.Fprintf(tw, "verified\t%t\n", res.Verified)
	for _, t := range res.Timings {
		fmt.Fprintf(tw, "  %s\t%s\n", t.Stage, t.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "total\t%s\n", res.Duration.Round(time.Millisecond))
	tw.Flush()
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var (
		remote, dryRun, skipDB, skipFiles, skipVerify, dropExisting, yes bool
	)
	cmd := &cobra.Command{
		Use:   "restore <id|artifact>",
		Short: "Restore a backup over the current database and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, func(cfg *config.Config) {
				if dropExisting {
					cfg.Restore.DropExisting = true
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			req := rt.app.DefaultRestoreRequest(args[0])
			req.Remote = remote
			req.DryRun = req.DryRun || dryRun
			req.SkipDatabase = req.SkipDatabase || skipDB
			req.SkipFiles = req.SkipFiles || skipFiles
			req.SkipVerify = req.SkipVerify || skipVerify
			if !req.DryRun && !yes && !confirm(cmd, fmt.Sprintf("Restore %s over the current data?", args[0])) {
				return errors.New("restore aborted")
			}

			ctx, cancel := rt.opContext()
			defer cancel()
			res, err := rt.app.Restore(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			verb := "restored"
			if res.DryRun {
				verb = "would restore"
			}
			fmt.Fprintf(out, "backup %s (%s), verified=%t\n", res.BackupID, res.Type, res.Verified)
			for _, s := range res.Steps {
				fmt.Fprintf(out, "  %s %s: %s -> %s\n", verb, s.Kind, s.Source, s.Target)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Download the backup from the remote mirror")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Verify and print the plan without restoring")
	cmd.Flags().BoolVar(&skipDB, "skip-database", false, "Do not load the database dump")
	cmd.Flags().BoolVar(&skipFiles, "skip-files", false, "Do not restore files")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Restore without checking checksums")
	cmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "Drop existing objects before loading (MongoDB)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newVerifyCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id|artifact>",
		Short: "Check a backup against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()

			report, err := rt.app.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range report.Problems() {
				fmt.Fprintf(out, "%s\t%s\n", p.Outcome, p.File)
			}
			if err := report.Err(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d files verified\n", report.BackupID, len(report.Results))
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()

			backups, err := rt.app.List(ctx, remote)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tSIZE\tCREATED\tLOCATION")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Type, b.SizeHuman, b.Created.Format(time.RFC3339), b.Location)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "List the remote mirror")
	return cmd
}

func newDeleteCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "delete <id|artifact>",
		Short: "Delete one backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()
			if err := rt.app.Delete(ctx, args[0], remote); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Delete from the remote mirror")
	return cmd
}

func newPruneCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()

			res, err := rt.app.Prune(ctx)
			if res != nil {
				out := cmd.OutOrStdout()
				for _, it := range res.Items {
					if it.Outcome != retention.Kept {
						fmt.Fprintf(out, "%s\t%s\n", it.Outcome, it.Name)
					}
				}
				fmt.Fprintf(out, "%d deleted, %d failed\n", res.Deleted, res.Failed)
			}
			return err
		},
	}
}

func newStatsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize local backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()

			s, err := rt.app.Stats(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "backups\t%d\n", s.TotalBackups)
			fmt.Fprintf(tw, "total size\t%s\n", s.TotalSizeHuman)
			fmt.Fprintf(tw, "average size\t%s\n", humanize.IBytes(uint64(s.Storage.AverageSize)))
			fmt.Fprintf(tw, "frequency\t%s\n", s.Frequency)
			if s.Latest != nil {
				fmt.Fprintf(tw, "latest\t%s (%s)\n", s.Latest.Name, humanize.Time(s.Latest.Created))
				fmt.Fprintf(tw, "oldest\t%s (%s)\n", s.Oldest.Name, humanize.Time(s.Oldest.Created))
			}
			for _, t := range []string{"full", "database", "files"} {
				fmt.Fprintf(tw, "%s\t%d\n", t, s.ByType[t])
			}
			return tw.Flush()
		},
	}
}

func newHealthCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a recent backup exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()

			h, err := rt.app.Health(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if h.Healthy {
				fmt.Fprintf(out, "healthy: latest backup %s (%s)\n", h.Latest.Name, humanize.Time(h.Latest.Created))
				return nil
			}
			for _, issue := range h.Issues {
				fmt.Fprintf(out, "unhealthy: %s\n", issue)
			}
			return errors.New("backups are unhealthy")
		},
	}
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, false, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := rt.opContext()
			defer cancel()
			if err := rt.app.Validate(ctx); err != nil {
				return err
			}
			rt.log.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newServeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the backup API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, true, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.cfg.Server.Token == "" {
				return errors.New("server.token must be set to serve the API")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if withScheduler {
				sched, err := schedule.New(rt.cfg.Schedule, rt.app, logging.Component(rt.log, "scheduler"))
				if err != nil {
					return err
				}
				go func() { _ = sched.Run(ctx) }()
			}
			return server.New(rt.cfg.Server, rt.app, rt.recorder, rt.cfg.Global.OperationTimeout, logging.Component(rt.log, "api")).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the scheduled backup jobs")
	return cmd
}

func newScheduleCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled backups in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides, true, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			sched, err := schedule.New(rt.cfg.Schedule, rt.app, logging.Component(rt.log, "scheduler"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sched.Run(ctx)
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input, output, key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}
	run := func(fn func(in, out, key string) (string, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("VRB_CONFIG_KEY")
			}
			if input == "" || key == "" {
				return fmt.Errorf("--input and --key (or VRB_CONFIG_KEY) are required")
			}
			written, err := fn(input, output, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), written)
			return nil
		}
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE:  run(config.EncryptFile),
	}
	decrypt := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an encrypted config file",
		RunE:  run(config.DecryptFile),
	}
	for _, c := range []*cobra.Command{encrypt, decrypt} {
		c.Flags().StringVar(&input, "input", "", "Input config file")
		c.Flags().StringVar(&output, "output", "", "Output config file (defaults next to the input)")
		c.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")
		cmd.AddCommand(c)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vrb %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
