package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/ingest"
	"github.com/bartek5186/partsync/internal/progress"
	"github.com/bartek5186/partsync/internal/tabular"
)

var (
	ingestMove    bool
	ingestWait    bool
	progressFresh bool
	stuckPolicy   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Import a spreadsheet, CSV file or ZIP archive",
	Long: `Import a spreadsheet, CSV file or ZIP archive of them.

Small files are processed right away. Larger files and archives are queued;
use --wait to drain the queue in this process instead of leaving the work
to a running worker.

Examples:
  partsync ingest parts.xlsx
  partsync ingest catalog.zip --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var progressCmd = &cobra.Command{
	Use:   "progress <upload-id>",
	Short: "Show the progress of an upload",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

var retryCmd = &cobra.Command{
	Use:   "retry <upload-id>",
	Short: "Requeue the failed chunks of an upload",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List uploads stuck in processing and optionally act on them",
	Long: `List uploads that have been processing for over two hours with no
chunk activity in the last thirty minutes.

--policy report only lists them, fail marks them failed, requeue puts their
unfinished chunks back on the queue. Defaults to the configured policy.`,
	Args: cobra.NoArgs,
	RunE: runStuck,
}

var matchImagesCmd = &cobra.Command{
	Use:   "match-images <upload-id> <dir>",
	Short: "Attach loose images in a directory to the parts of an upload",
	Args:  cobra.ExactArgs(2),
	RunE:  runMatchImages,
}

var syncPartCmd = &cobra.Command{
	Use:   "sync-part <part-id>",
	Short: "Refresh the storefront snapshot of one part",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncPart,
}

var syncPartsCmd = &cobra.Command{
	Use:   "sync-parts <part-id>...",
	Short: "Refresh the storefront snapshots of several parts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSyncParts,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestMove, "move", false, "hand the file over instead of copying it")
	ingestCmd.Flags().BoolVarP(&ingestWait, "wait", "w", false, "process queued work before returning")
	progressCmd.Flags().BoolVar(&progressFresh, "fresh", false, "bypass the progress cache")
	stuckCmd.Flags().StringVar(&stuckPolicy, "policy", "", "report | fail | requeue")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(n), nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	src := args[0]
	if _, err := os.Stat(src); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path := src
	if !ingestMove {
		tmp, err := os.MkdirTemp("", "partsync-cli-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		path = filepath.Join(tmp, filepath.Base(src))
		if err := copyFile(src, path); err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
	}

	res, err := a.Ingest.ProcessUpload(ctx, ingest.Incoming{Path: path, OriginalName: filepath.Base(src)})
	if res != nil {
		_ = printJSON(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return err
	}
	if ingestWait && res.Method == db.MethodChunked {
		n := 0
		for a.Pool().RunOnce(ctx, log) {
			n++
		}
		log.Debug().Int("tasks", n).Msg("queue drained")
		snap, err := a.Progress.GetProgress(ctx, res.UploadID, true)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func runProgress(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.Progress.GetProgress(cmd.Context(), id, progressFresh)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Ingest.RetryFailedChunks(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d chunk(s) of upload %d\n", n, id)
	return nil
}

func runStuck(cmd *cobra.Command, _ []string) error {
	policy := stuckPolicy
	if policy == "" {
		policy = cfg.Stuck.Policy
	}
	switch policy {
	case progress.PolicyReport, progress.PolicyFail, progress.PolicyRequeue:
	default:
		return fmt.Errorf("unknown policy %q", policy)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stuck, err := a.Sweep(cmd.Context(), policy)
	if perr := printJSON(cmd.OutOrStdout(), stuck); perr != nil {
		return perr
	}
	return err
}

func runMatchImages(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var imgs []string
	err = filepath.WalkDir(args[1], func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !tabular.IsArtifact(p) && tabular.DetectKind(p) == tabular.KindImage {
			imgs = append(imgs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(imgs) == 0 {
		return fmt.Errorf("no images in %s", args[1])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var parts []db.Part
	if err := a.DB.DB.WithContext(cmd.Context()).Preload("Fields").Where("upload_id = ?", id).Find(&parts).Error; err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("upload %d has no parts", id)
	}
	res := a.Images.MatchAndUpload(cmd.Context(), parts, imgs)
	return printJSON(cmd.OutOrStdout(), res)
}

func runSyncPart(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.Storefront.SyncPart(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runSyncParts(cmd *cobra.Command, args []string) error {
	ids := make([]uint, 0, len(args))
	for _, s := range args {
		id, err := parseID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Storefront.SyncParts(cmd.Context(), ids)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
