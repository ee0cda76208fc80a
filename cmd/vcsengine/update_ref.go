package main

import (
	"fmt"
	"io"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newUpdateRefCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-ref REF NEW-OID [OLD-OID]",
		Short: "set REF to NEW-OID, optionally requiring it currently point at OLD-OID",
		Args:  cobra.RangeArgs(1, 3),
	}

	deleteRef := cmd.Flags().BoolP("delete", "d", false, "delete REF instead of updating it")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if *deleteRef {
			return updateRefDeleteCmd(cfg, cmd.OutOrStdout(), name)
		}
		if len(args) < 2 {
			return xerrors.New("update-ref needs REF and NEW-OID")
		}
		oldOid := ""
		if len(args) == 3 {
			oldOid = args[2]
		}
		return updateRefCmd(cfg, cmd.OutOrStdout(), name, args[1], oldOid)
	}

	return cmd
}

func updateRefCmd(cfg *config, out io.Writer, name, newID, oldID string) error {
	hash := githash.NewSHA1()
	r, err := repo.OpenRepository(cfg.gitDir, repo.OpenOptions{Hash: hash})
	if err != nil {
		return err
	}

	target, err := hash.ConvertFromString(newID)
	if err != nil {
		return xerrors.Errorf("invalid object id %s: %w", newID, err)
	}

	if oldID == "" {
		if err := r.Refs().Set(name, target); err != nil {
			return xerrors.Errorf("could not update %s: %w", name, err)
		}
		fmt.Fprintf(out, "%s -> %s\n", name, target.String())
		return nil
	}

	expected, err := hash.ConvertFromString(oldID)
	if err != nil {
		return xerrors.Errorf("invalid object id %s: %w", oldID, err)
	}
	if err := r.Refs().CompareAndSwap(name, expected, target); err != nil {
		return xerrors.Errorf("could not update %s: %w", name, err)
	}
	fmt.Fprintf(out, "%s -> %s\n", name, target.String())
	return nil
}

func updateRefDeleteCmd(cfg *config, out io.Writer, name string) error {
	r, err := repo.OpenRepository(cfg.gitDir, repo.OpenOptions{})
	if err != nil {
		return err
	}
	if err := r.Refs().Delete(name); err != nil {
		return xerrors.Errorf("could not delete %s: %w", name, err)
	}
	fmt.Fprintf(out, "deleted %s\n", name)
	return nil
}
