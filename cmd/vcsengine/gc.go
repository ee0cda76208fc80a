package main

import (
	"fmt"
	"io"

	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newGCCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "trace reachability, repack the live object set, and prune stale loose objects",
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return gcCmd(cfg, cmd.OutOrStdout())
	}

	return cmd
}

func gcCmd(cfg *config, out io.Writer) error {
	r, err := repo.OpenRepository(cfg.gitDir, repo.OpenOptions{})
	if err != nil {
		return err
	}

	res, err := r.RunGC()
	if err != nil {
		return xerrors.Errorf("gc failed: %w", err)
	}

	fmt.Fprintf(out, "live objects: %d\n", res.LiveObjects)
	fmt.Fprintf(out, "packed refs: %d\n", res.PackedRefs)
	fmt.Fprintf(out, "pruned (superseded): %d\n", res.PrunedSuperseded)
	fmt.Fprintf(out, "pruned (unreachable): %d\n", res.PrunedUnreached)
	if !res.PackID.IsZero() {
		fmt.Fprintf(out, "pack: %s\n", res.PackID.String())
	}
	return nil
}
