package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"apkforge/internal/artifact"
	"apkforge/internal/blob"
	"apkforge/internal/config"
	"apkforge/internal/intake"
	"apkforge/internal/logging"
	"apkforge/internal/pipeline"
	"apkforge/internal/server"
	"apkforge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP upload and status service",
	Long: `Starts the HTTP service. Uploads are decompiled in the background;
clients poll /api/artifacts/{id} for progress, inject features, and trigger
rebuilds. When server.intake_dir is set, packages dropped there are ingested
as well.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// openStores opens the database and builds the artifact store, restoring
// journaled artifacts when the journal is enabled.
func openStores(ctx context.Context, c *config.Config) (*store.DB, *artifact.Store, error) {
	db, err := store.Open(config.ExpandPath(c.Storage.DatabasePath))
	if err != nil {
		return nil, nil, err
	}
	if !c.Storage.Journal {
		return db, artifact.NewStore(), nil
	}

	journal := store.NewArtifactJournal(db)
	arts := artifact.NewStore(artifact.WithJournal(journal))
	saved, err := journal.LoadArtifacts(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load journal: %w", err)
	}
	interrupted, err := arts.Restore(saved)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if interrupted > 0 {
		logging.Get(logging.CategoryBoot).Warn("%d artifacts were mid-tool at shutdown and are now Failed", interrupted)
	}
	return db, arts, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, arts, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	comps, err := pipeline.Build(cfg, arts)
	if err != nil {
		return err
	}
	p := pipeline.New(comps)
	defer p.Close()

	archive, err := blob.FromConfig(cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob storage: %w", err)
	}

	uploads := config.ExpandPath(cfg.Workspace.UploadsDir)
	srv, err := server.New(p, store.NewUserStore(db), archive, server.Config{
		UploadsDir:     uploads,
		OutputsDir:     config.ExpandPath(cfg.Workspace.OutputsDir),
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		MaxConnections: cfg.Server.MaxConnections,
	})
	if err != nil {
		return err
	}

	if dir := cfg.Server.IntakeDir; dir != "" {
		w, err := intake.NewWatcher(config.ExpandPath(dir), uploads, p)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	fmt.Fprintln(cmd.OutOrStdout(), boxStyle.Render(stackLines(
		titleStyle.Render("apkforge "+cfg.Version),
		field("listen", cfg.Server.Addr),
		field("uploads", uploads),
		field("outputs", config.ExpandPath(cfg.Workspace.OutputsDir)),
		field("features", fmt.Sprintf("%d", p.Catalog().Len())),
		field("restored", fmt.Sprintf("%d", arts.Len())),
	)))

	return srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.GetShutdownTimeout())
}
