package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"apkforge/internal/artifact"
	"apkforge/internal/pipeline"
)

var (
	runFeature string
	runRebuild bool
	runOwner   string
)

var runCmd = &cobra.Command{
	Use:   "run <package>...",
	Short: "Process local packages to completion",
	Long: `Decompiles each package, optionally injects a feature and rebuilds, and
prints the final state of every artifact. Files are processed concurrently
under the configured process cap. Artifacts are kept in memory only.`,
	Example: `  apkforge run app.apk
  apkforge run --feature "Toast message" --rebuild a.apk b.apk`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFiles,
}

func runFiles(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := pipeline.Build(cfg, artifact.NewStore())
	if err != nil {
		return err
	}
	p := pipeline.New(comps)
	defer p.Close()

	results, runErr := p.RunFiles(ctx, args, pipeline.RunOptions{
		Feature: runFeature,
		Rebuild: runRebuild,
		OwnerID: runOwner,
	})
	printResults(cmd.OutOrStdout(), results)

	if runErr != nil {
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if len(results) == 0 {
			return runErr
		}
		return fmt.Errorf("%d of %d packages failed", failed, len(results))
	}
	return nil
}

func printResults(w io.Writer, results []pipeline.FileResult) {
	for _, r := range results {
		a := r.Artifact
		lines := []string{titleStyle.Render(r.Path)}
		if a.ID != "" {
			lines = append(lines,
				field("artifact", a.ID),
				field("state", stateStyle(a.State).Render(a.State.String())),
			)
		}
		if a.SourcePath != "" {
			lines = append(lines, field("source", a.SourcePath))
		}
		if len(a.Features) > 0 {
			lines = append(lines, field("features", fmt.Sprint(a.Features)))
		}
		if a.FailureReason != "" {
			lines = append(lines, field("reason", errorStyle.Render(a.FailureReason)))
		} else if r.Err != nil {
			lines = append(lines, field("error", errorStyle.Render(r.Err.Error())))
		}
		fmt.Fprintln(w, stackLines(lines...))
	}
}
