package ls

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/mirror"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `ls` command.
func New() *cobra.Command {
	var showTree bool
	cmd := &cobra.Command{
		Use:   "ls <directory> [path]",
		Short: "Print the record a mounted directory would share for a path",
		Long: "Mirror the directory into a private replicated document, without " +
			"connecting to any peers, and print the record of the path as JSON.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			root, err := filepath.Abs(args[0])
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "get absolute path"))
			}

			p := "/"
			if len(args) == 2 {
				p = args[1]
			}

			fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
			if err := list(context.Background(), fs, p, showTree); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&showTree, "tree", false,
		"Print the whole replicated tree after mirroring the path.")
	return cmd
}

func list(ctx context.Context, fs afero.Fs, p string, showTree bool) error {
	doc := crdt.NewDoc()
	defer doc.Destroy()

	m := mirror.New(doc, clockwork.NewRealClock())
	if err := m.Bind(ctx, fs); err != nil {
		return errors.WithContext(err, "bind")
	}

	record, err := m.Get(ctx, p, true)
	if err != nil {
		return errors.WithContext(err, "get")
	}

	var out interface{} = record
	if showTree {
		out = doc.ToJSON()
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
