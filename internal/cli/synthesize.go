package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fliws/immortyx/internal/consensus"
)

var synthesizeTimeout time.Duration

// synthesizeCmd represents the synthesize command
var synthesizeCmd = &cobra.Command{
	Use:   "synthesize [topic]...",
	Short: "Resynthesize topic consensus from stored facts",
	Long: `Synthesize runs the consensus engine once for the named topics, or for
every configured topic when none are given. A topic keeps its current
entry when evidence is insufficient or the new synthesis would regress.

Example:
  immortyx synthesize
  immortyx synthesize rapamycin metformin`,
	RunE: runSynthesize,
}

func init() {
	rootCmd.AddCommand(synthesizeCmd)
	synthesizeCmd.Flags().DurationVar(&synthesizeTimeout, "timeout", 5*time.Minute, "overall timeout")
}

func runSynthesize(cmd *cobra.Command, topics []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), synthesizeTimeout)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if len(topics) == 0 {
		results, err := a.Engine.SynthesizeAll(ctx)
		printResults(results)
		return err
	}

	results := make([]consensus.Result, 0, len(topics))
	for _, id := range topics {
		res, err := a.Engine.Synthesize(ctx, id)
		if err != nil {
			printResults(results)
			return err
		}
		results = append(results, res)
	}
	printResults(results)
	return nil
}

func printResults(results []consensus.Result) {
	for _, res := range results {
		switch {
		case res.Status == consensus.StatusUpdated && res.Entry != nil:
			fmt.Fprintf(os.Stderr, "✓ %s v%d [%s, evidence %.2f, %s]: %s\n",
				res.TopicID, res.Entry.Version, res.Entry.EvidenceLevel, res.Entry.EvidenceScore,
				res.Entry.Summary.WinningAnalyst, res.Entry.Summary.DominantClaim)
		default:
			fmt.Fprintf(os.Stderr, "= %s unchanged (%s, %d facts)\n", res.TopicID, res.Reason, res.Facts)
		}
	}
}
