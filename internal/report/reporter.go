// Package report writes sweep results as a text summary, CSV, JSON and a
// console table.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"monosweep/internal/monotone"
	"monosweep/internal/trainer"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

const (
	SummaryFile = "sweep_summary.txt"
	CSVFile     = "sweep_results.csv"
	JSONFile    = "sweep_results.json"
)

// Reporter generates sweep reports
type Reporter struct {
	sweep      *trainer.Sweep
	outputPath string
}

func NewReporter(sweep *trainer.Sweep, outputPath string) *Reporter {
	return &Reporter{
		sweep:      sweep,
		outputPath: outputPath,
	}
}

// GenerateReport generates all report formats
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateCSV(); err != nil {
		return err
	}
	return r.generateJSON()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	sw := r.sweep
	fmt.Fprintf(file, "MONOTONICITY SWEEP SUMMARY\n")
	fmt.Fprintf(file, "==========================\n\n")
	fmt.Fprintf(file, "Sweep ID: %s\n", sw.ID)
	fmt.Fprintf(file, "Experiment: %s\n", sw.Experiment)
	fmt.Fprintf(file, "Predictor: %s\n", sw.Predictor)
	fmt.Fprintf(file, "Target: %s\n", sw.Target)
	fmt.Fprintf(file, "Features: %s\n", strings.Join(sw.FeatureNames, ", "))
	fmt.Fprintf(file, "Started: %s\n", sw.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(file, "Duration: %s\n\n", sw.FinishedAt.Sub(sw.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(file, "RUNS\n")
	fmt.Fprintf(file, "----\n")
	fmt.Fprintf(file, "Completed: %d\n", len(sw.Records))
	fmt.Fprintf(file, "Failed: %d\n\n", len(sw.Failures))

	if best, ok := sw.Best(); ok {
		fmt.Fprintf(file, "BEST RUN\n")
		fmt.Fprintf(file, "--------\n")
		fmt.Fprintf(file, "Subset: %s\n", best.Subset)
		fmt.Fprintf(file, "Lambda: %g\n", best.Lambda)
		fmt.Fprintf(file, "Test MSE: %.6f\n", best.TestMSE)
		fmt.Fprintf(file, "Violations: %d\n", best.TotalViolations)
		fmt.Fprintf(file, "Satisfaction: %s\n\n", r.formatSatisfaction(best.Violations))
	}

	stats := SubsetSummaries(sw)
	if len(stats) > 0 {
		fmt.Fprintf(file, "PERFORMANCE BY SUBSET\n")
		fmt.Fprintf(file, "---------------------\n")
		for _, s := range stats {
			fmt.Fprintf(file, "%s: %d runs, mean MSE %.6f, best lambda %g (MSE %.6f)",
				s.Subset, s.Runs, s.MeanMSE, s.BestLambda, s.BestMSE)
			if s.HasBaseline {
				fmt.Fprintf(file, ", %.2f%% vs lambda 0", s.Improvement*100)
			}
			fmt.Fprintln(file)
		}
	}

	if len(sw.Failures) > 0 {
		fmt.Fprintf(file, "\nFAILED RUNS\n")
		fmt.Fprintf(file, "-----------\n")
		for _, f := range sw.Failures {
			fmt.Fprintf(file, "%s lambda %g: %s\n", f.Subset, f.Lambda, f.Error)
		}
	}

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) generateCSV() error {
	csvPath := filepath.Join(r.outputPath, CSVFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create results csv: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Subset", "Lambda", "Loss Lambda", "Mechanism", "Test MSE", "Best Val Loss",
		"Epochs", "Stopped Early", "LR Reductions", "Weights", "Violations", "Satisfaction", "Reused", "Duration",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, res := range r.sweep.Records {
		record := []string{
			res.Subset,
			strconv.FormatFloat(res.Lambda, 'g', -1, 64),
			strconv.FormatFloat(res.LossLambda, 'g', -1, 64),
			res.Mechanism,
			fmt.Sprintf("%.6f", res.TestMSE),
			fmt.Sprintf("%.6f", res.BestValLoss),
			strconv.Itoa(res.Epochs),
			strconv.FormatBool(res.StoppedEarly),
			strconv.Itoa(res.LRReductions),
			formatWeights(res.Weights),
			strconv.Itoa(res.TotalViolations),
			r.formatSatisfaction(res.Violations),
			strconv.FormatBool(res.Reused),
			res.Duration.Round(time.Millisecond).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write results csv: %w", err)
	}
	log.Info().Str("file", csvPath).Msg("Results CSV generated")
	return nil
}

func (r *Reporter) generateJSON() error {
	jsonPath := filepath.Join(r.outputPath, JSONFile)

	report := map[string]interface{}{
		"sweep":        r.sweep,
		"subsets":      SubsetSummaries(r.sweep),
		"generated_at": time.Now(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// SubsetSummary aggregates the runs of one subset.
type SubsetSummary struct {
	Subset      string  `json:"subset"`
	Runs        int     `json:"runs"`
	MeanMSE     float64 `json:"mean_mse"`
	BestLambda  float64 `json:"best_lambda"`
	BestMSE     float64 `json:"best_mse"`
	HasBaseline bool    `json:"has_baseline"`
	BaselineMSE float64 `json:"baseline_mse"`
	// Improvement is the relative test MSE reduction of the best run over
	// lambda 0.
	Improvement float64 `json:"improvement"`
}

// SubsetSummaries groups records by subset, in the order subsets first
// appear.
func SubsetSummaries(sw *trainer.Sweep) []SubsetSummary {
	var order []string
	groups := make(map[string][]trainer.Result)
	for _, res := range sw.Records {
		if _, ok := groups[res.Subset]; !ok {
			order = append(order, res.Subset)
		}
		groups[res.Subset] = append(groups[res.Subset], res)
	}

	out := make([]SubsetSummary, 0, len(order))
	for _, name := range order {
		runs := groups[name]
		mses := make([]float64, len(runs))
		s := SubsetSummary{Subset: name, Runs: len(runs), BestLambda: runs[0].Lambda, BestMSE: runs[0].TestMSE}
		for i, res := range runs {
			mses[i] = res.TestMSE
			if res.TestMSE < s.BestMSE {
				s.BestMSE, s.BestLambda = res.TestMSE, res.Lambda
			}
			if res.Lambda == 0 {
				s.HasBaseline, s.BaselineMSE = true, res.TestMSE
			}
		}
		s.MeanMSE = stat.Mean(mses, nil)
		if s.HasBaseline && s.BaselineMSE > 0 {
			s.Improvement = (s.BaselineMSE - s.BestMSE) / s.BaselineMSE
		}
		out = append(out, s)
	}
	return out
}

// PrintSummary writes the results table to w
func (r *Reporter) PrintSummary(w io.Writer) {
	sw := r.sweep
	fmt.Fprintf(w, "\n=== SWEEP RESULTS (%s, %s) ===\n", sw.Predictor, sw.ID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBSET\tLAMBDA\tTEST MSE\tEPOCHS\tWEIGHTS\tVIOLATIONS\tSATISFACTION\t")
	for _, res := range sw.Records {
		mse := fmt.Sprintf("%.6f", res.TestMSE)
		if res.Reused {
			mse += "*"
		}
		fmt.Fprintf(tw, "%s\t%g\t%s\t%d\t%s\t%d\t%s\t\n",
			res.Subset, res.Lambda, mse, res.Epochs, formatWeights(res.Weights), res.TotalViolations,
			r.formatSatisfaction(res.Violations))
	}
	tw.Flush()

	for _, f := range sw.Failures {
		fmt.Fprintf(w, "FAILED %s lambda %g: %s\n", f.Subset, f.Lambda, f.Error)
	}
	if best, ok := sw.Best(); ok {
		fmt.Fprintf(w, "Best: %s at lambda %g, test MSE %.6f\n", best.Subset, best.Lambda, best.TestMSE)
	}
	fmt.Fprintln(w, "=================================")
}

// formatSatisfaction lists the share of non-decreasing pairs per monotonic
// column as name=rate.
func (r *Reporter) formatSatisfaction(vs []monotone.Violation) string {
	if len(vs) == 0 {
		return "-"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		name := strconv.Itoa(v.Column)
		if v.Column >= 0 && v.Column < len(r.sweep.FeatureNames) {
			name = r.sweep.FeatureNames[v.Column]
		}
		parts[i] = name + "=" + strconv.FormatFloat(v.Satisfaction(), 'f', 4, 64)
	}
	return strings.Join(parts, ";")
}

func formatWeights(w []float64) string {
	if len(w) == 0 {
		return "-"
	}
	parts := make([]string, len(w))
	for i, v := range w {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strings.Join(parts, ";")
}
