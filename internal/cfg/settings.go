package cfg

import (
	"fmt"
	"math"

	"monosweep/internal/common"
)

var (
	validPredictors  = []string{common.PredictorMLP, common.PredictorCNN, common.PredictorTree, common.PredictorGBT, common.PredictorSVR}
	validSubsetModes = []string{common.SubsetMulti, common.SubsetSingle, common.SubsetBoth}
	validAdjustments = []string{"deterministic", "noise", "gate"}
	validWeightParam = []string{"raw", "softplus"}
	validPenalties   = []string{"sign", "order"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate columns
	if settings.TargetColumn == "" {
		return fmt.Errorf("target column must be specified")
	}
	if len(settings.MonotonicColumns) == 0 {
		return fmt.Errorf("at least one monotonic column must be specified")
	}
	seen := make(map[string]bool, len(settings.MonotonicColumns))
	for _, col := range settings.MonotonicColumns {
		if col == settings.TargetColumn {
			return fmt.Errorf("monotonic column %q cannot be the target column", col)
		}
		if seen[col] {
			return fmt.Errorf("monotonic column %q listed twice", col)
		}
		seen[col] = true
	}

	// Validate data preparation
	if settings.TargetDivisor <= 0 {
		return fmt.Errorf("target divisor must be positive, got %f", settings.TargetDivisor)
	}
	if settings.TrainRatio <= 0 || settings.TrainRatio >= 1 {
		return fmt.Errorf("train ratio must be between 0 and 1, got %f", settings.TrainRatio)
	}
	if settings.ValRatio < 0 || settings.TrainRatio+settings.ValRatio >= 1 {
		return fmt.Errorf("validation ratio must be >= 0 and leave room for a test split, got %f", settings.ValRatio)
	}
	if settings.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %v", settings.FetchTimeout)
	}

	// Validate sweep
	if len(settings.Lambdas) == 0 {
		return fmt.Errorf("at least one lambda must be specified")
	}
	for _, l := range settings.Lambdas {
		if math.IsNaN(l) || l < 0 || l > 1 {
			return fmt.Errorf("lambda must be between 0 and 1, got %f", l)
		}
	}
	if settings.LossLambda != nil {
		if l := *settings.LossLambda; math.IsNaN(l) || l < 0 || l > 1 {
			return fmt.Errorf("loss lambda must be between 0 and 1, got %f", l)
		}
	}
	if !oneOf(settings.SubsetMode, validSubsetModes) {
		return fmt.Errorf("subset mode must be one of %v, got %q", validSubsetModes, settings.SubsetMode)
	}
	if settings.Workers < 1 || settings.Workers > common.MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", common.MaxWorkers, settings.Workers)
	}

	// Validate model choices
	if !oneOf(settings.Predictor, validPredictors) {
		return fmt.Errorf("predictor must be one of %v, got %q", validPredictors, settings.Predictor)
	}
	if !oneOf(settings.Adjustment, validAdjustments) {
		return fmt.Errorf("adjustment must be one of %v, got %q", validAdjustments, settings.Adjustment)
	}
	if !oneOf(settings.WeightParam, validWeightParam) {
		return fmt.Errorf("weight parameterization must be one of %v, got %q", validWeightParam, settings.WeightParam)
	}
	if !oneOf(settings.Penalty, validPenalties) {
		return fmt.Errorf("penalty must be one of %v, got %q", validPenalties, settings.Penalty)
	}
	if settings.NativeMonotone && settings.Predictor != common.PredictorGBT {
		return fmt.Errorf("native monotone constraints require the %s predictor, got %q", common.PredictorGBT, settings.Predictor)
	}
	if settings.NoiseStd < 0 {
		return fmt.Errorf("noise std must be >= 0, got %f", settings.NoiseStd)
	}
	if settings.InitialWeight < 0 {
		return fmt.Errorf("initial weight must be >= 0, got %f", settings.InitialWeight)
	}

	if err := validateTraining(settings.Training); err != nil {
		return err
	}
	if err := validateNetwork(settings.Network); err != nil {
		return err
	}

	// Validate tree learners
	if settings.Tree.MaxDepth < 1 || settings.Tree.MinSamplesLeaf < 1 {
		return fmt.Errorf("tree max depth and min samples per leaf must be >= 1")
	}
	if settings.Boosting.Rounds < 1 || settings.Boosting.MaxDepth < 1 {
		return fmt.Errorf("boosting rounds and max depth must be >= 1")
	}
	if settings.Boosting.Shrinkage <= 0 || settings.Boosting.Shrinkage > 1 {
		return fmt.Errorf("boosting shrinkage must be in (0, 1], got %f", settings.Boosting.Shrinkage)
	}
	if settings.Boosting.Subsample <= 0 || settings.Boosting.Subsample > 1 {
		return fmt.Errorf("boosting subsample must be in (0, 1], got %f", settings.Boosting.Subsample)
	}

	// Validate kernel machine
	if settings.SVR.C <= 0 {
		return fmt.Errorf("SVR C must be positive, got %f", settings.SVR.C)
	}
	if settings.SVR.Epsilon < 0 || settings.SVR.Gamma < 0 {
		return fmt.Errorf("SVR epsilon and gamma must be >= 0")
	}
	if settings.SVR.MaxSamples < 2 || settings.SVR.MaxIter < 1 || settings.SVR.Tol <= 0 {
		return fmt.Errorf("SVR max samples must be >= 2, max iter >= 1 and tol > 0")
	}

	// Validate outputs
	if settings.MetricsPort != 0 && (settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort) {
		return fmt.Errorf("metrics port must be 0 or between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}

	return nil
}

func validateTraining(t TrainingConfig) error {
	if t.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1, got %d", t.Epochs)
	}
	if t.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", t.BatchSize)
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", t.LearningRate)
	}
	if t.Patience < 0 || t.LRPatience < 0 {
		return fmt.Errorf("patience values must be >= 0")
	}
	if t.MinDelta < 0 {
		return fmt.Errorf("min delta must be >= 0, got %f", t.MinDelta)
	}
	if t.LRFactor <= 0 || t.LRFactor >= 1 {
		return fmt.Errorf("learning rate factor must be between 0 and 1, got %f", t.LRFactor)
	}
	if t.MinLR < 0 || t.MinLR > t.LearningRate {
		return fmt.Errorf("min learning rate must be between 0 and the learning rate, got %g", t.MinLR)
	}
	if t.BackfitRounds < 1 || t.WeightSteps < 0 {
		return fmt.Errorf("backfit rounds must be >= 1 and weight steps >= 0")
	}
	return nil
}

func validateNetwork(n NetworkConfig) error {
	if len(n.HiddenLayers) < common.MinHiddenLayers || len(n.HiddenLayers) > common.MaxHiddenLayers {
		return fmt.Errorf("hidden layers must number between %d and %d, got %d", common.MinHiddenLayers, common.MaxHiddenLayers, len(n.HiddenLayers))
	}
	for _, h := range n.HiddenLayers {
		if h < 1 {
			return fmt.Errorf("hidden layer width must be >= 1, got %d", h)
		}
	}
	if n.Dropout < 0 || n.Dropout > common.MaxDropout {
		return fmt.Errorf("dropout must be between 0 and %.1f, got %f", common.MaxDropout, n.Dropout)
	}
	if n.Filters < 1 || n.KernelSize < 1 || n.ConvDense < 1 {
		return fmt.Errorf("filters, kernel size and conv dense width must be >= 1")
	}
	return nil
}
