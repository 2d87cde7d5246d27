package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// authorsCmd represents the authors command
var authorsCmd = &cobra.Command{
	Use:   "authors",
	Short: "Maintain author identities",
}

var authorsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Retry deferred author resolutions",
	Long: `Resolve revisits provisional author references from the ambiguous
scoring band, merging them into an identity when the evidence is now
strong enough and promoting them to their own identity otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		report, err := a.Authors.ResolvePending(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "  Examined:  %d\n", report.Examined)
		fmt.Fprintf(os.Stderr, "  Merged:    %d\n", report.Merged)
		fmt.Fprintf(os.Stderr, "  Promoted:  %d\n", report.Promoted)
		fmt.Fprintf(os.Stderr, "  Waiting:   %d\n", report.Waiting)
		return nil
	},
}

var authorsMergeCmd = &cobra.Command{
	Use:   "merge <from> <into>",
	Short: "Merge one author identity into another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		merged, err := a.Authors.Merge(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ %s merged into %s (%s)\n", args[0], merged.AuthorID, merged.CanonicalName)
		if len(merged.Aliases) > 0 {
			fmt.Fprintf(os.Stderr, "  Aliases: %s\n", strings.Join(merged.Aliases, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authorsCmd)
	authorsCmd.AddCommand(authorsResolveCmd)
	authorsCmd.AddCommand(authorsMergeCmd)
}
