package command

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discord-archiver/database"
	"discord-archiver/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRunCmd defines the run command: catch-up, backfill and live ingestion until SIGINT/SIGTERM.
// A lock conflict with another running instance is a clean exit.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the archive engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
			defer stop()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.newEngine()
			if err != nil {
				return err
			}
			engine.OnStart(func() {
				fmt.Fprintln(cmd.OutOrStdout(), "Archiver is now running. Press CTRL-C to exit.")
			})
			err = engine.Run(ctx)
			if errors.Is(err, models.ErrLockConflict) {
				// 已有实例在运行，本进程不做任何修改直接退出
				rt.logger.Warn("Command", "Run", err.Error())
				fmt.Fprintln(cmd.OutOrStdout(), "Another archiver instance is already running, exiting.")
				return nil
			}
			return err
		},
	}
}

// NewRefillCmd defines the refill command: delete and re-fetch one channel's messages in [start, end).
func NewRefillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refill",
		Short: "Re-fetch a channel's messages inside a time window",
		Example: `  discord-archiver refill --channel 123456789 \
    --start 2024-01-01T00:00:00Z --end 2024-01-02T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, _ := cmd.Flags().GetString("channel")
			start, end, err := parseWindow(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
			defer stop()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			// 与正在运行的引擎互斥
			lock, err := database.AcquireLock(rt.cfg.Storage.StateDir)
			if err != nil {
				return err
			}
			defer lock.Release()

			engine, err := rt.newEngine()
			if err != nil {
				return err
			}
			res, err := engine.RefillTimeRange(ctx, channelID, start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refilled channel %s [%s, %s): deleted %s, fetched %s\n",
				channelID, start.Format(time.RFC3339), end.Format(time.RFC3339),
				humanize.Comma(res.Deleted), humanize.Comma(int64(res.Fetched)))
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel id")
	cmd.Flags().String("start", "", "window start, RFC3339 (inclusive)")
	cmd.Flags().String("end", "", "window end, RFC3339 (exclusive)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// parseWindow 解析 --start/--end，并在打开任何存储之前校验窗口
func parseWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	rawStart, _ := cmd.Flags().GetString("start")
	rawEnd, _ := cmd.Flags().GetString("end")
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	start, end = start.UTC(), end.UTC()
	if err := models.ValidateWindow(start, end); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// NewStatsCmd defines the stats command. It reads the store only and never connects to Discord.
func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			channelID, _ := cmd.Flags().GetString("channel")
			if channelID == "" {
				stats, err := rt.archive.TotalStats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "channels:  %s (%s fully backfilled)\n", humanize.Comma(stats.Channels), humanize.Comma(stats.CompletedChannels))
				fmt.Fprintf(out, "messages:  %s\n", humanize.Comma(stats.Messages))
				if marker, ok, err := rt.markers.ReadSyncMarker(); err == nil && ok {
					fmt.Fprintf(out, "last sync: %s (%s)\n", marker.Format(time.RFC3339), humanize.Time(marker))
				}
				return nil
			}

			stats, err := rt.archive.ChannelStats(ctx, channelID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "channel:   %s\n", channelID)
			fmt.Fprintf(out, "messages:  %s\n", humanize.Comma(stats.MessageCount))
			if stats.Oldest != nil && stats.Newest != nil {
				fmt.Fprintf(out, "range:     %s .. %s\n", stats.Oldest.Format(time.RFC3339), stats.Newest.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "backfill:  %s\n", stats.Cursor)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "only report this channel")
	return cmd
}
