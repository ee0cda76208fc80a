// Command vcsengine is a thin plumbing-level CLI over the engine: it
// exists to exercise init, hash-object, cat-file, update-ref, and gc
// from a shell for manual testing, not as a
// product surface the engine depends on.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	gitDir string
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	cmd := &cobra.Command{
		Use:           "vcsengine",
		Short:         "plumbing-level driver for the object/pack/ref storage engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&cfg.gitDir, "git-dir", ".git", "path to the repository's .git directory")

	cmd.AddCommand(newInitCmd(cfg))
	cmd.AddCommand(newHashObjectCmd(cfg))
	cmd.AddCommand(newCatFileCmd(cfg))
	cmd.AddCommand(newUpdateRefCmd(cfg))
	cmd.AddCommand(newGCCmd(cfg))

	return cmd
}
