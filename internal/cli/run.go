package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the knowledge node",
	Long: `Run polls every registered source, processes admitted documents into
facts, keeps topic consensus current and serves the status API until
interrupted.

Example:
  immortyx run
  immortyx run --store memory --addr 127.0.0.1:9000
  IMMORTYX_PARADIGM_JUDGE=llm OPENAI_API_KEY=sk-... immortyx run`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("store", "", "store driver (memory, sqlite)")
	runCmd.Flags().String("addr", "", "status server listen address")
	runCmd.Flags().String("sources", "", "source catalog file")
	runCmd.Flags().String("patterns", "", "pseudoscience pattern file")

	_ = viper.BindPFlag("store.driver", runCmd.Flags().Lookup("store"))
	_ = viper.BindPFlag("status.addr", runCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("sources_file", runCmd.Flags().Lookup("sources"))
	_ = viper.BindPFlag("integrity.pattern_file", runCmd.Flags().Lookup("patterns"))
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if a.Config.Status.Enabled {
		fmt.Fprintf(os.Stderr, "Status API: http://%s/stats\n", a.Config.Status.Addr)
	}
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("node stopped: %w", err)
	}
	return nil
}
