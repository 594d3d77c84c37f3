package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"evalorchestrator.dev/metric"
)

var (
	scoreMetric    string
	scoreExpected  []float64
	scoreThreshold float64
)

// scoreCmd lets a blueprint author test a point function against a
// candidate response locally, without waiting on a scheduled run
// through the pipeline runner.
var scoreCmd = &cobra.Command{
	Use:   "score <response-text>",
	Short: "score a free-form response against an expected distribution",
	Long: `score runs the same distribution-metric point function the
pipeline runner applies to a model's response, so a blueprint's
point_function_args can be sanity-checked before it is committed.`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().StringVar(&scoreMetric, "metric", string(metric.JSDivergence), "similarity metric: js-divergence, cosine, or earth-mover")
	scoreCmd.Flags().Float64SliceVar(&scoreExpected, "expected", nil, "expected distribution, e.g. --expected 50,50")
	scoreCmd.Flags().Float64Var(&scoreThreshold, "threshold", 0, "minimum passing score, informational only")
	scoreCmd.MarkFlagRequired("expected")
	RootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	result := metric.Score(args[0], metric.Args{
		Expected:  scoreExpected,
		Metric:    metric.Metric(scoreMetric),
		Threshold: scoreThreshold,
	})

	passed := result.Score >= scoreThreshold
	fmt.Fprintf(os.Stdout, "score=%.4f threshold=%.4f passed=%t\n", result.Score, scoreThreshold, passed)
	fmt.Fprintln(os.Stdout, result.Explain)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
