package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusTimeout time.Duration

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [topic]",
	Short: "Query a running node",
	Long: `Status prints the counters of a running node, or the current consensus
entry of one topic.

Example:
  immortyx status
  immortyx status rapamycin --addr 127.0.0.1:8089`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "", "status server address")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "request timeout")
	_ = viper.BindPFlag("status.addr", statusCmd.Flags().Lookup("addr"))
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	path := "/stats"
	if len(args) == 1 {
		path = "/topics/" + url.PathEscape(args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	body, err := getJSON(ctx, "http://"+cfg.Status.Addr+path)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}

func getJSON(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("node not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", target, resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}
