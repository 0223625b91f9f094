package cli

import (
	"context"
	"fmt"
	"sort"

	apihttp "modelswarm/internal/api/http"
	"modelswarm/internal/domain"
)

func runStatus(ctx context.Context, args []string, env Env) error {
	fs := newFlagSet("status", env)
	if _, err := parseInterspersed(fs, args); err != nil {
		return err
	}
	client := apihttp.NewClient(env.Config.DaemonAddr, nil)
	statuses, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(env.Stdout, "No active sessions")
		return nil
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key.String() < statuses[j].Key.String()
	})

	fmt.Fprintf(env.Stdout, "Active sessions: %d\n\n", len(statuses))
	for _, st := range statuses {
		fmt.Fprintf(env.Stdout, "Repo: %s\n", st.Key)
		fmt.Fprintf(env.Stdout, "  Mode: %s\n", st.Mode)
		fmt.Fprintf(env.Stdout, "  State: %s\n", st.State)
		fmt.Fprintf(env.Stdout, "  Progress: %.1f%%\n", st.Progress*100)
		fmt.Fprintf(env.Stdout, "  Uploaded: %s\n", humanBytes(st.Uploaded))
		fmt.Fprintf(env.Stdout, "  Peers: %d\n", st.Peers)
		fmt.Fprintf(env.Stdout, "  Rates: %s/s down, %s/s up\n", humanBytes(st.DownloadSpeed), humanBytes(st.UploadSpeed))
		fmt.Fprintf(env.Stdout, "  Files: %d pending, %d completed\n", st.PendingFiles, st.CompletedFiles)
		if st.LastError != "" {
			fmt.Fprintf(env.Stdout, "  Last error: %s\n", st.LastError)
		}
		fmt.Fprintln(env.Stdout)
	}
	return nil
}

func runStop(ctx context.Context, args []string, env Env) error {
	fs := newFlagSet("stop", env)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) > 1 {
		return usageError(env.Stderr, "stop takes at most one repo_id@revision")
	}
	client := apihttp.NewClient(env.Config.DaemonAddr, nil)

	if len(positional) == 0 {
		n, err := client.Stop(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "Stopped all sessions (%d)\n", n)
		return nil
	}

	key, err := domain.ParseRepoKey(positional[0], "")
	if err != nil {
		return usageError(env.Stderr, "repo key must be repo_id@revision (e.g. gpt2@main)")
	}
	if _, err := client.Stop(ctx, &key); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "Stopped: %s\n", key)
	return nil
}
