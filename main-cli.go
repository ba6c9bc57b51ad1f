package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bartek5186/partsync/internal/app"
	conf "github.com/bartek5186/partsync/internal/config"
)

const consoleHelp = "start | stop | reload | status | stuck | progress <id> | retry <id> | paths | quit"

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console controlling the background workers",
	Args:  cobra.NoArgs,
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.AutoStart {
		if err := a.Start(ctx); err != nil {
			log.Error().Err(err).Msg("autostart failed")
		} else {
			log.Info().Str("version", ver).Msg("workers running")
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "partsync console", ver)
	fmt.Fprintln(out, "Commands:", consoleHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		if quit := consoleLine(ctx, a, out, line); quit {
			return nil
		}
	}
}

// consoleLine runs one console command and reports whether to quit.
func consoleLine(ctx context.Context, a *app.App, out io.Writer, line string) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "start":
		if err := a.Start(ctx); err != nil {
			log.Error().Err(err).Msg("start")
			fmt.Fprintln(out, "start failed:", err)
			return false
		}
		fmt.Fprintln(out, "started")
	case "stop":
		a.Stop()
		fmt.Fprintln(out, "stopped")
	case "reload":
		newCfg, _, err := conf.LoadOrCreate(cfgPath)
		if err != nil {
			log.Error().Err(err).Msg("reload")
			fmt.Fprintln(out, "reload failed:", err)
			return false
		}
		cfg = newCfg
		if err := a.UpdateConfig(ctx, cfg); err != nil {
			fmt.Fprintln(out, "reload failed:", err)
			return false
		}
		fmt.Fprintln(out, "config reloaded")
	case "status":
		st := a.Pool().Stats()
		state := "stopped"
		if a.IsRunning() {
			state = "running"
		}
		n, _ := a.Queue.Len(ctx)
		fmt.Fprintf(out, "status: %s, queued: %d, stats: %+v\n", state, n, st)
	case "stuck":
		stuck, err := a.Progress.CheckStuckUploads(ctx)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		if len(stuck) == 0 {
			fmt.Fprintln(out, "no stuck uploads")
		}
		for _, s := range stuck {
			fmt.Fprintf(out, "#%d %s, last update %s, %d pending / %d processing chunks\n",
				s.UploadID, s.Filename, s.UpdatedAt.Format(time.RFC3339), s.PendingChunks, s.ProcessingChunks)
		}
	case "progress", "retry":
		if len(fields) != 2 {
			fmt.Fprintf(out, "usage: %s <upload-id>\n", fields[0])
			return false
		}
		id, err := parseID(fields[1])
		if err != nil {
			fmt.Fprintln(out, err)
			return false
		}
		if fields[0] == "retry" {
			n, err := a.Ingest.RetryFailedChunks(ctx, id)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				return false
			}
			fmt.Fprintf(out, "requeued %d chunk(s)\n", n)
			return false
		}
		snap, err := a.Progress.GetProgress(ctx, id, true)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		_ = printJSON(out, snap)
	case "paths":
		fmt.Fprintln(out, "Logs:", filepath.Join(appDir, "app.log"))
		fmt.Fprintln(out, "Config:", cfgPath)
		fmt.Fprintln(out, "Staging:", cfg.Ingest.StagingDir)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(out, "unknown command, use:", consoleHelp)
	}
	return false
}
