package main

import (
	"fmt"
	"io"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newCatFileCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat-file OID",
		Short: "print the type, size, or content of a repository object",
		Args:  cobra.ExactArgs(1),
	}

	showType := cmd.Flags().BoolP("type", "t", false, "print the object's type")
	showSize := cmd.Flags().BoolP("size", "s", false, "print the object's size")
	showContent := cmd.Flags().BoolP("print", "p", false, "print the object's raw content")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return catFileCmd(cfg, cmd.OutOrStdout(), args[0], *showType, *showSize, *showContent)
	}

	return cmd
}

func catFileCmd(cfg *config, out io.Writer, id string, showType, showSize, showContent bool) error {
	hash := githash.NewSHA1()
	oid, err := hash.ConvertFromString(id)
	if err != nil {
		return xerrors.Errorf("invalid object id %s: %w", id, err)
	}

	r, err := repo.OpenRepository(cfg.gitDir, repo.OpenOptions{Hash: hash})
	if err != nil {
		return err
	}

	o, err := r.GetObject(oid)
	if err != nil {
		return xerrors.Errorf("could not read %s: %w", id, err)
	}

	switch {
	case showType:
		fmt.Fprintln(out, o.Type().String())
	case showSize:
		fmt.Fprintln(out, o.Size())
	case showContent:
		out.Write(o.Bytes())
	default:
		fmt.Fprintf(out, "%s %d\n", o.Type(), o.Size())
	}
	return nil
}
