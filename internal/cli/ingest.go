package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/pipeline"
	"github.com/fliws/immortyx/internal/worker"
)

var (
	ingestSource      string
	ingestTopic       string
	ingestConcurrency int
	ingestTimeout     time.Duration
	ingestSynthesize  bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Process local documents into the fact store",
	Long: `Ingest runs local documents (JSON records, HTML pages or plain text)
through the same admission and processing path as polled documents.
Documents already in the store are reported as duplicates.

Example:
  immortyx ingest abstracts/*.json
  immortyx ingest paper.html --source manual --topic rapamycin --synthesize`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestSource, "source", "manual", "source id the documents are attributed to")
	ingestCmd.Flags().StringVar(&ingestTopic, "topic", "", "topic for documents whose topic is not detected")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", runtime.NumCPU(), "number of concurrent workers")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "total timeout")
	ingestCmd.Flags().BoolVar(&ingestSynthesize, "synthesize", false, "resynthesize every topic afterwards")
}

func runIngest(cmd *cobra.Command, files []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	source, err := a.Registry.Get(ingestSource)
	if err != nil {
		source = model.SourceDescriptor{
			ID:               ingestSource,
			Kind:             model.SourceKindManual,
			PollIntervalHint: time.Hour,
			PriorityWeight:   1,
			TrustPrior:       0.5,
		}
	}
	if ingestTopic != "" {
		source.DefaultTopic = ingestTopic
	}

	var committed, rejected, duplicates atomic.Int64
	jobs := make([]worker.Job, 0, len(files))
	for _, path := range files {
		jobs = append(jobs, &worker.FuncJob{
			Key: path,
			Fn: func(ctx context.Context) error {
				doc, err := readDocument(path, source.ID)
				if err != nil {
					return err
				}
				out, err := a.Ingest(ctx, doc, source)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				switch out.Status {
				case pipeline.StatusCommitted:
					committed.Add(1)
					fmt.Fprintf(os.Stderr, "✓ %s → %s (%d facts)\n", path, out.TopicID, out.Facts)
				case pipeline.StatusDuplicate:
					duplicates.Add(1)
					fmt.Fprintf(os.Stderr, "= %s (already known)\n", path)
				default:
					rejected.Add(1)
					reason := ""
					if out.Rejection != nil {
						reason = out.Rejection.Reason
					}
					fmt.Fprintf(os.Stderr, "✗ %s rejected: %s\n", path, reason)
				}
				return nil
			},
		})
	}

	results := worker.NewBatchProcessor(ingestConcurrency).Run(ctx, jobs)
	errs := worker.Errors(results)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:       %d documents\n", len(files))
	fmt.Fprintf(os.Stderr, "  Committed:   %d\n", committed.Load())
	fmt.Fprintf(os.Stderr, "  Rejected:    %d\n", rejected.Load())
	fmt.Fprintf(os.Stderr, "  Duplicates:  %d\n", duplicates.Load())
	fmt.Fprintf(os.Stderr, "  Failures:    %d\n", len(errs))
	fmt.Fprintf(os.Stderr, "\n")

	if ingestSynthesize && committed.Load() > 0 {
		res, err := a.Engine.SynthesizeAll(ctx)
		if err != nil {
			return err
		}
		printResults(res)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(errs), len(files))
	}
	return nil
}

// readDocument loads a local file as a raw document
func readDocument(path, sourceID string) (model.RawDocument, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return model.RawDocument{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return model.RawDocument{}, err
	}
	doc := model.NewRawDocument(sourceID, filepath.Base(path), payload, info.ModTime())
	doc.ContentType = mime.TypeByExtension(filepath.Ext(path))
	return doc, nil
}
