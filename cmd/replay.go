package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"argus/anomaly"
	"argus/core"
	"argus/correlate"
	"argus/ingest"
	"argus/service"
)

// maxReplayFileSize bounds event captures to protect against memory
// exhaustion on untrusted input.
const maxReplayFileSize = 10 * 1024 * 1024 // 10MB

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

type replayOptions struct {
	eventsFile  string
	rulesFile   string
	mappingFile string
	outputJSON  bool
	minSamples  int
	zscore      float64
}

// replaySummary is the machine-readable replay result. Two replays of
// the same capture with the same rules produce the same incidents and
// findings in the same order.
type replaySummary struct {
	EventsRead int                        `json:"events_read"`
	Rejected   int                        `json:"rejected"`
	Incidents  []*core.CorrelatedIncident `json:"incidents"`
	Findings   []*anomaly.Finding         `json:"findings"`
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay captured events through the detection engines offline",
		Long: `Replay reads a JSON event capture and runs it through the correlation
and anomaly engines without touching storage or the network. Useful for
testing rule changes against historical traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.eventsFile, "file", "", "JSON file with an array of raw events (required)")
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "YAML correlation rule file (required)")
	cmd.Flags().StringVar(&opts.mappingFile, "mapping", "", "YAML metric mapping file for anomaly detection")
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "emit the full result as JSON")
	cmd.Flags().IntVar(&opts.minSamples, "min-samples", 30, "anomaly cold-start sample count")
	cmd.Flags().Float64Var(&opts.zscore, "zscore", 3.0, "anomaly deviation threshold")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions) error {
	payloads, err := readCapture(opts.eventsFile)
	if err != nil {
		return err
	}

	rules, err := correlate.LoadRules(opts.rulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	var mapping *anomaly.MetricMapping
	if opts.mappingFile != "" {
		mapping, err = anomaly.LoadMetricMapping(opts.mappingFile)
		if err != nil {
			return fmt.Errorf("failed to load metric mapping: %w", err)
		}
	}

	logger := zap.NewNop().Sugar()
	engine := correlate.NewEngine(&correlate.Config{Logger: logger})
	defer engine.Stop()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := engine.RegisterRule(rule); err != nil {
			return fmt.Errorf("failed to register rule %s: %w", rule.ID, err)
		}
	}

	detector := anomaly.NewDetector(&anomaly.Config{
		ZScoreThreshold: opts.zscore,
		MinSamples:      opts.minSamples,
		Mapping:         mapping,
		Logger:          logger,
	})

	pipeline := service.NewPipeline(service.Config{
		Normalizer: ingest.NewNormalizer(logger),
		Engine:     engine,
		Detector:   detector,
		Logger:     logger,
	})

	summary := replaySummary{EventsRead: len(payloads)}
	results, rejected := pipeline.ProcessBatch(context.Background(), payloads)
	summary.Rejected = rejected
	for _, res := range results {
		summary.Incidents = append(summary.Incidents, res.Incidents...)
		summary.Findings = append(summary.Findings, res.Findings...)
	}

	if opts.outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	printSummary(cmd, summary)
	return nil
}

func readCapture(path string) ([]map[string]interface{}, error) {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid capture path: path traversal detected")
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat capture file: %w", err)
	}
	if info.Size() > maxReplayFileSize {
		return nil, fmt.Errorf("capture file exceeds maximum size of %d bytes", maxReplayFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture file: %w", err)
	}

	var payloads []map[string]interface{}
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("capture must be a JSON array of event objects: %w", err)
	}
	return payloads, nil
}

func printSummary(cmd *cobra.Command, summary replaySummary) {
	out := cmd.OutOrStdout()

	headerColor.Fprintln(out, "Replay complete")
	fmt.Fprintf(out, "  events read: %d\n", summary.EventsRead)
	if summary.Rejected > 0 {
		warningColor.Fprintf(out, "  rejected:    %d\n", summary.Rejected)
	}

	if len(summary.Incidents) == 0 && len(summary.Findings) == 0 {
		successColor.Fprintln(out, "  no incidents or findings")
		return
	}

	if len(summary.Incidents) > 0 {
		errorColor.Fprintf(out, "Incidents (%d):\n", len(summary.Incidents))
		for _, inc := range summary.Incidents {
			fmt.Fprintf(out, "  [%s] %s key=%s events=%d at=%s\n",
				inc.Severity, inc.RuleID, inc.CorrelationKey,
				len(inc.TriggeringEvents), inc.DetectedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	if len(summary.Findings) > 0 {
		warningColor.Fprintf(out, "Findings (%d):\n", len(summary.Findings))
		for _, f := range summary.Findings {
			fmt.Fprintf(out, "  [%s] %s observed=%.2f mean=%.2f stddev=%.2f score=%.2f\n",
				f.Severity, f.Key, f.ObservedValue, f.BaselineMean, f.BaselineStdDev, f.Score)
		}
	}
}
