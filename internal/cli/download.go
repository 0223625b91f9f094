package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	apihttp "modelswarm/internal/api/http"
	"modelswarm/internal/app"
	"modelswarm/internal/domain"
	"modelswarm/internal/fetch"
	"modelswarm/internal/hfcache"
	"modelswarm/internal/hub"
)

func runDownload(ctx context.Context, args []string, env Env) error {
	fs := newFlagSet("download", env)
	revision := fs.String("revision", "main", "branch, tag or commit")
	repoType := fs.String("repo-type", hfcache.RepoTypeModel, "model, dataset or space")
	localDir := fs.String("local-dir", "", "directory to place files in (default ./<repo name>)")
	noSeed := fs.Bool("no-seed", false, "do not seed after downloading")
	useDaemon := fs.Bool("daemon", false, "use the running daemon's swarm instead of an in-process one")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return usageError(env.Stderr, "download takes exactly one <repo_id>")
	}

	key, err := domain.ParseRepoKey(positional[0], *revision)
	if err != nil {
		return err
	}
	dir := *localDir
	if dir == "" {
		dir = defaultLocalDir(key)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}

	cfg := env.Config
	hubClient := hub.NewClient(cfg.HubEndpoint,
		hub.WithToken(cfg.HubToken),
		hub.WithRepoType(*repoType),
		hub.WithLogger(env.Logger),
	)

	var registrar fetch.Registrar
	var stack *app.Stack
	if *useDaemon {
		registrar = apihttp.NewClient(cfg.DaemonAddr, nil)
	} else {
		stack = app.NewStack(ctx, cfg, env.Logger, hfcache.NewDir(dir))
		defer stack.Close()
		registrar = stack.Coordinator
	}

	transport := fetch.NewFallbackTransport(
		fetch.NewSwarmTransport(registrar, cfg.DownloadTimeout),
		fetch.NewHTTPTransport(hubClient),
		env.Logger,
	)
	downloader := fetch.SnapshotDownloader{
		Lister:      hubClient,
		Transport:   transport,
		Concurrency: cfg.MaxConcurrentFiles,
		Logger:      env.Logger,
	}

	fmt.Fprintf(env.Stdout, "Downloading %s...\n", key)
	res, err := downloader.Download(ctx, key, dir)
	if err != nil {
		return fmt.Errorf("download %s: %d of %d files failed: %w", key, len(res.Failed), len(res.Files)+len(res.Failed), err)
	}
	fmt.Fprintf(env.Stdout, "Downloaded %d files to: %s\n", len(res.Files), dir)

	if *noSeed || stack == nil {
		return nil
	}
	return seedInProcess(ctx, env, stack, res.Key)
}

// seedInProcess seeds key from the stack's cache until ctx ends. A snapshot
// nobody published cannot be seeded; that is reported but is not a failure.
func seedInProcess(ctx context.Context, env Env, stack *app.Stack, key domain.RepoKey) error {
	err := stack.Coordinator.RegisterSeeding(ctx, key, nil)
	if err != nil && !errors.Is(err, domain.ErrMetadataTimeout) {
		env.Logger.Info("not seeding", slog.String("repo", key.String()), slog.String("error", err.Error()))
		fmt.Fprintf(env.Stdout, "Not seeding %s: %v\n", key, err)
		return nil
	}
	fmt.Fprintf(env.Stdout, "Seeding %s (press Ctrl+C to stop)...\n", key)
	<-ctx.Done()
	fmt.Fprintln(env.Stdout, "Seeding stopped")
	return nil
}

func defaultLocalDir(key domain.RepoKey) string {
	name := key.RepoID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
