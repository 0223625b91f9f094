package cli

import (
	"context"
	"errors"
	"fmt"

	apihttp "modelswarm/internal/api/http"
	"modelswarm/internal/app"
	"modelswarm/internal/descriptor"
	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/hfcache"
	"modelswarm/internal/tracker"
)

type seeder interface {
	RegisterSeeding(ctx context.Context, key domain.RepoKey, rawDescriptor []byte) error
}

func runSeed(ctx context.Context, args []string, env Env) error {
	fs := newFlagSet("seed", env)
	repoID := fs.String("repo-id", "", "repository id (required)")
	revision := fs.String("revision", "", "commit hash or branch (required)")
	repoType := fs.String("repo-type", hfcache.RepoTypeModel, "model, dataset or space")
	name := fs.String("name", "", "display name (default <repo>_<revision>)")
	useDaemon := fs.Bool("daemon", false, "hand the seed to the running daemon and exit")
	if _, err := parseInterspersed(fs, args); err != nil {
		return err
	}
	if *repoID == "" || *revision == "" {
		return usageError(env.Stderr, "seed requires --repo-id and --revision")
	}
	key, err := domain.ParseRepoKey(*repoID+"@"+*revision, "")
	if err != nil {
		return err
	}

	cfg := env.Config
	cache := hfcache.New(cfg.HubCacheDir, *repoType)
	dir, commit, err := cache.SnapshotDir(key)
	if err != nil {
		return fmt.Errorf("snapshot %s not in %s: %w", key, cache.Root(), err)
	}
	if *name == "" {
		*name = descriptor.DefaultName(key)
	}

	fmt.Fprintf(env.Stdout, "Creating descriptor for %s (commit %s)...\n", key, commit)
	res, err := descriptor.Build(dir, descriptor.Options{
		Name:     *name,
		Trackers: []string{descriptor.AnnounceURL(cfg.TrackerURL)},
	})
	if err != nil {
		return err
	}
	publisher := tracker.NewClient(cfg.TrackerURL, cfg.TrackerTimeout, tracker.WithLogger(env.Logger))
	if err := publish(ctx, publisher, res.Describe(key, *repoType, *name)); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "Published %s: %d files, %s, info hash %s\n",
		key, res.FileCount, humanBytes(res.TotalSize), res.InfoHash)

	if *useDaemon {
		err := registerSeed(ctx, apihttp.NewClient(cfg.DaemonAddr, nil), key, res.Bytes)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "Daemon at %s is seeding %s\n", cfg.DaemonAddr, key)
		return nil
	}

	stack := app.NewStack(ctx, cfg, env.Logger, cache)
	defer stack.Close()
	if err := registerSeed(ctx, stack.Coordinator, key, res.Bytes); err != nil {
		return err
	}
	fmt.Fprintln(env.Stdout, "Seeding (press Ctrl+C to stop)...")
	<-ctx.Done()
	fmt.Fprintln(env.Stdout, "Seeding stopped")
	return nil
}

func publish(ctx context.Context, publisher ports.DescriptorPublisher, d domain.Descriptor) error {
	if err := publisher.Publish(ctx, d); err != nil {
		return fmt.Errorf("publish %s@%s: %w", d.RepoID, d.Revision, err)
	}
	return nil
}

// registerSeed treats pending metadata as success; mapping finishes in the
// background.
func registerSeed(ctx context.Context, s seeder, key domain.RepoKey, raw []byte) error {
	if err := s.RegisterSeeding(ctx, key, raw); err != nil && !errors.Is(err, domain.ErrMetadataTimeout) {
		return fmt.Errorf("seed %s: %w", key, err)
	}
	return nil
}
