package commands

import (
	"fmt"
	"io/fs"

	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/spf13/cobra"
)

var shadersCmd = &cobra.Command{
	Use:   "shaders",
	Short: "Inspect the transform shaders",
}

var shadersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile every shader module",
	Long: `Read each WGSL module from shaders_path (or the embedded set) and compile
it. Missing optional modules are reported but do not fail the check.`,
	RunE: runShadersCheck,
}

func init() {
	rootCmd.AddCommand(shadersCmd)
	shadersCmd.AddCommand(shadersCheckCmd)
}

func runShadersCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fsys := shaderFS(cfg)

	failed := 0
	for _, spec := range transform.Shaders {
		status := "ok"
		src, err := fs.ReadFile(fsys, spec.Name+".wgsl")
		if err == nil {
			_, err = gpu.Compile(string(src), spec.Stage)
		}
		if err != nil {
			status = "FAILED: " + err.Error()
			if spec.Required {
				failed++
			} else {
				status = "unavailable (optional): " + err.Error()
			}
		}
		fmt.Printf("%-16s %-8s %s\n", spec.Name, spec.Stage, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d required shader(s) failed", failed)
	}
	return nil
}
