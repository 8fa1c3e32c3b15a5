package pipeline

import (
	"fmt"
	"path/filepath"

	"apkforge/internal/artifact"
	"apkforge/internal/config"
	"apkforge/internal/decompile"
	"apkforge/internal/feature"
	"apkforge/internal/locator"
	"apkforge/internal/logging"
	"apkforge/internal/rebuild"
	"apkforge/internal/tactile"
)

// Components are the collaborators a Pipeline drives.
type Components struct {
	Store      *artifact.Store
	Executor   *tactile.BoundedExecutor
	Audit      *tactile.AuditLogger
	Decompiler *decompile.Stage
	Locator    *locator.Locator
	Injector   *feature.Injector
	Rebuilder  *rebuild.Stage
}

// Build wires the components described by cfg around store. Every stage
// shares one BoundedExecutor, so the process cap applies across all
// artifacts.
func Build(cfg *config.Config, store *artifact.Store) (*Components, error) {
	outputs, err := filepath.Abs(config.ExpandPath(cfg.Workspace.OutputsDir))
	if err != nil {
		return nil, fmt.Errorf("resolve outputs dir: %w", err)
	}

	execCfg := tactile.DefaultExecutorConfig()
	execCfg.DefaultTimeout = cfg.GetExecutionTimeout()
	execCfg.MaxTimeout = cfg.GetMaxTimeout()
	execCfg.KillGrace = cfg.GetKillGrace()
	execCfg.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	if len(cfg.Execution.AllowedEnvVars) > 0 {
		execCfg.AllowedEnvironment = cfg.Execution.AllowedEnvVars
	}

	direct := tactile.NewDirectExecutorWithConfig(execCfg)
	audit := tactile.NewAuditLogger()
	direct.SetAuditCallback(audit.Log)
	bounded := tactile.NewBoundedExecutor(direct, int64(cfg.Execution.MaxConcurrent))

	loc, err := locator.New(locator.Config{
		SuffixPattern:  cfg.Locator.SuffixPattern,
		SourcesSubpath: cfg.Locator.SourcesSubpath,
		Extensions:     cfg.Locator.Extensions,
		MaxDepth:       cfg.Locator.MaxDepth,
		MaxEntries:     cfg.Locator.MaxEntries,
		CacheSize:      cfg.Locator.CacheSize,
	})
	if err != nil {
		return nil, err
	}

	catalog, err := feature.LoadCatalog(config.ExpandPath(cfg.Features.CatalogPath))
	if err != nil {
		return nil, err
	}
	mode, err := feature.ParseMode(cfg.Features.Idempotence)
	if err != nil {
		return nil, err
	}

	dec := decompile.NewStage(bounded, store, decompile.Config{
		Binary:           cfg.Decompiler.Binary,
		Args:             cfg.Decompiler.Args,
		Timeout:          cfg.GetDecompileTimeout(),
		WorkingDirectory: config.ExpandPath(cfg.Decompiler.WorkingDirectory),
		OutputsRoot:      outputs,
		CacheDir:         config.ExpandPath(cfg.Decompiler.CacheDir),
		Token:            loc.Token,
	})

	reb := rebuild.NewStage(bounded, rebuild.Config{
		Binary:           cfg.Rebuild.Binary,
		Args:             cfg.Rebuild.Args,
		Timeout:          cfg.GetRebuildTimeout(),
		WorkingDirectory: config.ExpandPath(cfg.Rebuild.WorkingDirectory),
	})

	logging.Boot("Pipeline wired: decompiler=%s rebuild=%s max_concurrent=%d features=%d idempotence=%s outputs=%s",
		cfg.Decompiler.Binary, cfg.Rebuild.Binary, cfg.Execution.MaxConcurrent, catalog.Len(), mode, outputs)

	return &Components{
		Store:      store,
		Executor:   bounded,
		Audit:      audit,
		Decompiler: dec,
		Locator:    loc,
		Injector:   feature.NewInjector(catalog, mode),
		Rebuilder:  reb,
	}, nil
}
