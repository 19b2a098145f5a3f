package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var monitorsJSON bool

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "List monitors as the overlay sees them",
	Long:  `Enumerate monitors with the configured display backend and print their layout.`,
	Example: `  # Table output
  clarity monitors

  # JSON output
  clarity monitors --json`,
	RunE: runMonitors,
}

func init() {
	rootCmd.AddCommand(monitorsCmd)
	monitorsCmd.Flags().BoolVar(&monitorsJSON, "json", false, "output as JSON")
}

func runMonitors(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var cleanup closers
	defer func() { cleanup.run() }()
	e, err := buildEnumerator(cfg, &cleanup)
	if err != nil {
		return err
	}
	monitors, err := e.Monitors()
	if err != nil {
		return err
	}

	if monitorsJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(monitors)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tGEOMETRY\tDPI\tPRIMARY")
	for _, m := range monitors {
		fmt.Fprintf(tw, "%s\t%s\t%dx%d+%d+%d\t%d\t%v\n",
			m.ID, m.Name, m.Bounds.Dx(), m.Bounds.Dy(), m.Bounds.Min.X, m.Bounds.Min.Y, m.DPI, m.Primary)
	}
	return tw.Flush()
}
