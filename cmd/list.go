package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled persons in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		persons, err := db.ListPersons(cmd.Context())
		if err != nil {
			return err
		}
		if len(persons) == 0 {
			fmt.Println("No persons enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENROLLED")
		fmt.Fprintln(w, "--\t----\t--------")
		for _, p := range persons {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.EnrolledAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <person_id>",
	Short: "Remove an enrolled person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeletePerson(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				fmt.Printf("❌ No enrolled person with ID %s\n", args[0])
				return nil
			}
			return err
		}
		fmt.Printf("🗑️  Removed %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
}
