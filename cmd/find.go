package cmd

import (
	"fmt"
	"os"

	"github.com/not-amarnath/final-year-project/internal/utils"
	"github.com/spf13/cobra"
)

var findThreshold float64

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the face in a photo against the enrolled persons",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		threshold := cfg.Recognition.MatchThreshold
		if cmd.Flags().Changed("threshold") {
			threshold = findThreshold
		}

		imgData, err := os.ReadFile(args[0])
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to read image file", err, nil)
			return err
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		engine, err := startEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
		face, err := engine.DetectSingle(ctx, imgData)
		if err != nil {
			utils.ShowError(os.Stderr, "AI processing failed", err, engine.Command())
			return err
		}
		if face == nil {
			fmt.Println("❌ No faces detected in the provided image.")
			return nil
		}

		fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
		result, err := db.FindClosestPerson(ctx, face.Embedding, threshold)
		if err != nil {
			return err
		}
		if !result.Authorized() {
			fmt.Println("❌ No match found in database.")
			return nil
		}
		fmt.Printf("✅ Found Match: %s (ID: %s, distance %.3f, confidence %d%%)\n",
			result.Label, result.PersonID, result.Distance, result.ConfidencePercent())
		return nil
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findThreshold, "threshold", "t", 0.5, "Face matching threshold (lower is stricter)")
	rootCmd.AddCommand(findCmd)
}
