package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/notesync/internal/config"
	"github.com/and161185/notesync/internal/migrate"
	"github.com/and161185/notesync/internal/notes"
)

type opener func(*cobra.Command) (*env, error)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad node id %q", s)
	}
	return id, nil
}

// parentOrMain maps the zero parent flag to the main folder.
func parentOrMain(e *env, parent int64) int64 {
	if parent == 0 {
		return e.profile.Model.Main().ID()
	}
	return parent
}

func printTree(w io.Writer, m *notes.Model, n *notes.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case n.IsFolder():
		fmt.Fprintf(w, "%s+ %s [%d]\n", indent, n.Title(), n.ID())
	case n.URL() != "":
		fmt.Fprintf(w, "%s- %s <%s> [%d]\n", indent, n.Title(), n.URL(), n.ID())
	default:
		fmt.Fprintf(w, "%s- %s [%d]\n", indent, n.Title(), n.ID())
	}
	for _, c := range m.Children(n) {
		printTree(w, m, c, depth+1)
	}
}

func newTreeCmd(open opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the notes tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			m := e.profile.Model
			if asJSON {
				return printJSON(e.out, m.Snapshot())
			}
			for _, perm := range []*notes.Node{m.Main(), m.Other(), m.Trash()} {
				printTree(e.out, m, perm, 0)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func newAddNoteCmd(open opener) *cobra.Command {
	var (
		parent       int64
		index        int
		url, content string
	)
	cmd := &cobra.Command{
		Use:   "add-note TITLE",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			n, err := e.profile.Notes.AddNote(cmd.Context(), parentOrMain(e, parent), index, args[0], url, content)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, n.ID())
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&parent, "parent", 0, "parent folder id (default main)")
	f.IntVar(&index, "index", -1, "position under parent (default last)")
	f.StringVar(&url, "url", "", "note URL")
	f.StringVar(&content, "content", "", "note text")
	return cmd
}

func newAddFolderCmd(open opener) *cobra.Command {
	var (
		parent int64
		index  int
	)
	cmd := &cobra.Command{
		Use:   "add-folder TITLE",
		Short: "Add a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			n, err := e.profile.Notes.AddFolder(cmd.Context(), parentOrMain(e, parent), index, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, n.ID())
			return nil
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent folder id (default main)")
	cmd.Flags().IntVar(&index, "index", -1, "position under parent (default last)")
	return cmd
}

func newSearchCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find notes by title, text or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			found, err := e.profile.Notes.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, n := range found {
				fmt.Fprintf(e.out, "%d\t%s\t%s\n", n.ID(), n.Title(), n.URL())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return cmd
}

func newRmCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Move a node to the trash, or delete it if already there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return e.profile.Notes.Remove(cmd.Context(), id)
		},
	}
}

func newRestoreCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ID",
		Short: "Move a trashed node back to main",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return e.profile.Notes.Restore(cmd.Context(), id)
		},
	}
}

func newEmptyTrashCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "empty-trash",
		Short: "Delete everything in the trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			n, err := e.profile.Notes.EmptyTrash(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "removed %d\n", n)
			return nil
		},
	}
}

func newSyncCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Associate the notes tree with the remote directory and report the merge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			res, err := e.profile.StartSync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(e.out, res)
		},
	}
}

func newMigrateCmd(setup opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the directory schema to PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if e.cfg.PostgresDSN == "" {
				return fmt.Errorf("migrate: --dsn or %s_POSTGRES_DSN required", config.EnvPrefix)
			}
			ver, err := migrate.Up(cmd.Context(), e.cfg.PostgresDSN, e.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "schema version %d\n", ver)
			return nil
		},
	}
}
