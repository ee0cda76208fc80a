package main

import (
	"fmt"

	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/cobra"
)

func newInitCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "create a new repository",
	}

	branch := cmd.Flags().String("initial-branch", "main", "name of the initial branch HEAD points to")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		_, err := repo.InitRepository(cfg.gitDir, repo.InitOptions{DefaultBranch: *branch})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized repository in %s\n", cfg.gitDir)
		return nil
	}

	return cmd
}
