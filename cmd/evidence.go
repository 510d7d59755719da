package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"
)

var (
	evidenceLimit  int
	evidenceExport string
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Show archived recognition evidence, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.RecentEvidence(ctx, evidenceLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No evidence recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CAPTURED\tLABEL\tSTATUS\tCONFIDENCE\tID")
		fmt.Fprintln(w, "--------\t-----\t------\t----------\t--")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
				e.CapturedAt.Local().Format("2006-01-02 15:04:05"), e.Label, authLabel(e.Authorized), e.ConfidencePercent, e.ID)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if evidenceExport == "" {
			return nil
		}
		if err := os.MkdirAll(evidenceExport, 0o755); err != nil {
			return goerr.Wrap(err, "failed to create export directory", goerr.V("dir", evidenceExport))
		}
		exported := 0
		for _, e := range entries {
			snap, err := db.GetEvidenceSnapshot(ctx, e.ID)
			if err != nil {
				return err
			}
			if len(snap) == 0 {
				continue
			}
			path := filepath.Join(evidenceExport, e.ID+".jpg")
			if err := os.WriteFile(path, snap, 0o644); err != nil {
				return goerr.Wrap(err, "failed to write snapshot", goerr.V("path", path))
			}
			exported++
		}
		fmt.Printf("📸 Exported %d snapshots to %s\n", exported, evidenceExport)
		return nil
	},
}

func authLabel(authorized bool) string {
	if authorized {
		return "AUTHORIZED"
	}
	return "UNAUTHORIZED"
}

func init() {
	evidenceCmd.Flags().IntVarP(&evidenceLimit, "limit", "l", 20, "Number of entries to show")
	evidenceCmd.Flags().StringVarP(&evidenceExport, "export", "o", "", "Write the snapshots of the listed entries to this directory")
	rootCmd.AddCommand(evidenceCmd)
}
