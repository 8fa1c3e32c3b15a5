package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apkforge/internal/config"
	"apkforge/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "apkforge",
	Short: "apkforge - decompile, extend, and rebuild Android packages",
	Long: `apkforge takes an uploaded Android package through an external decompiler,
locates a primary source file in the decompiled project, appends a named
feature template to it, and runs an external rebuild tool against it.

Use "apkforge serve" for the HTTP service or "apkforge run" for one-shot
batch processing of local files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := logging.Initialize(logging.Options{
			Level:       loaded.Logging.Level,
			Format:      loaded.Logging.Format,
			OutputPaths: loaded.Logging.OutputPaths(),
			Categories:  loaded.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logging.BootDebug("Loaded config from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "apkforge.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd.Flags().StringVarP(&runFeature, "feature", "f", "", "Feature to inject after decompiling")
	runCmd.Flags().BoolVar(&runRebuild, "rebuild", false, "Rebuild after injecting (requires --feature)")
	runCmd.Flags().StringVar(&runOwner, "owner", "", "Owner id recorded on each artifact")

	statusCmd.Flags().StringVar(&statusOwner, "owner", "", "Only show artifacts owned by this user id")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}
