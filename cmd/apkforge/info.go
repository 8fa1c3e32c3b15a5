package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"apkforge/internal/artifact"
	"apkforge/internal/config"
	"apkforge/internal/feature"
	"apkforge/internal/store"
)

var statusOwner string

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List the feature templates that can be injected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := feature.LoadCatalog(config.ExpandPath(cfg.Features.CatalogPath))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d features", catalog.Len()))+
			mutedStyle.Render(" (idempotence: "+cfg.Features.Idempotence+")"))
		for _, name := range catalog.Names() {
			fmt.Fprintln(out, "  "+name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show journaled artifacts",
	Long: `Reads artifacts from the journal database without modifying it, so it is
safe to run next to a live "apkforge serve".`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n",
			cfg.Name, cfg.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := store.Open(config.ExpandPath(cfg.Storage.DatabasePath))
	if err != nil {
		return err
	}
	defer db.Close()

	journal := store.NewArtifactJournal(db)
	all, err := journal.LoadArtifacts(cmd.Context())
	if err != nil {
		return err
	}
	if statusOwner != "" {
		ids, err := journal.ListByOwner(cmd.Context(), statusOwner)
		if err != nil {
			return err
		}
		all = selectIDs(all, ids)
	}

	printStatus(cmd.OutOrStdout(), all)
	return nil
}

// selectIDs keeps the artifacts named in ids, in ids order.
func selectIDs(all []artifact.Artifact, ids []string) []artifact.Artifact {
	byID := make(map[string]artifact.Artifact, len(all))
	for _, a := range all {
		byID[a.ID] = a
	}
	out := make([]artifact.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func printStatus(w io.Writer, all []artifact.Artifact) {
	if len(all) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No artifacts."))
		return
	}

	counts := make(map[artifact.State]int)
	for _, a := range all {
		counts[a.State]++
		line := fmt.Sprintf("%s  %-16s %s", a.ID, stateStyle(a.State).Render(a.State.String()), a.OriginalFilename)
		if a.FailureReason != "" {
			line += mutedStyle.Render("  " + a.FailureReason)
		}
		fmt.Fprintln(w, line)
	}

	summary := make([]string, 0, len(counts))
	for _, s := range artifact.AllStates() {
		if n := counts[s]; n > 0 {
			summary = append(summary, field(s.String(), fmt.Sprintf("%d", n)))
		}
	}
	fmt.Fprintln(w, boxStyle.Render(stackLines(summary...)))
}
