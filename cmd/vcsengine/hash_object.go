package main

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newHashObjectCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-object FILE",
		Short: "compute the object ID of a file, optionally writing it into the store",
		Args:  cobra.ExactArgs(1),
	}

	typ := cmd.Flags().StringP("type", "t", "blob", "object type: blob, tree, or commit")
	write := cmd.Flags().BoolP("write", "w", false, "write the object into the repository's object store")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return hashObjectCmd(cmd, cfg, cmd.OutOrStdout(), args[0], *typ, *write)
	}

	return cmd
}

func hashObjectCmd(cmd *cobra.Command, cfg *config, out io.Writer, filePath, typ string, write bool) error {
	content, err := ioutil.ReadFile(filePath)
	if err != nil {
		return err
	}

	hash := githash.NewSHA1()
	objType, err := object.NewTypeFromString(typ)
	if err != nil {
		return xerrors.Errorf("unsupported object type %s: %w", typ, err)
	}

	o := object.New(hash, objType, content)
	switch objType {
	case object.TypeTree:
		if _, err := o.AsTree(); err != nil {
			return xerrors.Errorf("invalid tree file: %w", err)
		}
	case object.TypeCommit:
		if _, err := o.AsCommit(); err != nil {
			return xerrors.Errorf("invalid commit file: %w", err)
		}
	}

	if write {
		r, err := repo.OpenRepository(cfg.gitDir, repo.OpenOptions{Hash: hash})
		if err != nil {
			return err
		}
		if _, err := r.WriteObject(o); err != nil {
			return xerrors.Errorf("could not write object: %w", err)
		}
	}

	fmt.Fprintln(out, o.ID().String())
	return nil
}
