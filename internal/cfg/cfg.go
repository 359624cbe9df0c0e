package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"monosweep/internal/common"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath         string
	TargetColumn     string
	FeatureColumns   []string
	MonotonicColumns []string
	TargetDivisor    float64
	ScaleTarget      bool
	TrainRatio       float64
	ValRatio         float64
	FetchTimeout     time.Duration
	Seed             uint64
	Lambdas          []float64
	LossLambda       *float64
	SubsetMode       string
	NativeMonotone   bool
	Predictor        string
	Adjustment       string
	NoiseStd         float64
	WeightParam      string
	InitialWeight    float64
	Penalty          string
	Training         TrainingConfig
	Network          NetworkConfig
	Tree             TreeConfig
	Boosting         BoostingConfig
	SVR              SVRConfig
	Workers          int
	Experiment       string
	OutputPath       string
	StorePath        string
	MetricsPort      int
}

type TrainingConfig struct {
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batchSize"`
	LearningRate  float64 `yaml:"learningRate"`
	Patience      int     `yaml:"patience"`
	MinDelta      float64 `yaml:"minDelta"`
	LRFactor      float64 `yaml:"lrFactor"`
	LRPatience    int     `yaml:"lrPatience"`
	MinLR         float64 `yaml:"minLR"`
	BackfitRounds int     `yaml:"backfitRounds"`
	WeightSteps   int     `yaml:"weightSteps"`
}

type NetworkConfig struct {
	HiddenLayers []int   `yaml:"hiddenLayers"`
	Dropout      float64 `yaml:"dropout"`
	Filters      int     `yaml:"filters"`
	KernelSize   int     `yaml:"kernelSize"`
	ConvDense    int     `yaml:"convDense"`
}

type TreeConfig struct {
	MaxDepth       int `yaml:"maxDepth"`
	MinSamplesLeaf int `yaml:"minSamplesLeaf"`
}

type BoostingConfig struct {
	Rounds    int     `yaml:"rounds"`
	Shrinkage float64 `yaml:"shrinkage"`
	MaxDepth  int     `yaml:"maxDepth"`
	Subsample float64 `yaml:"subsample"`
}

type SVRConfig struct {
	C          float64 `yaml:"c"`
	Epsilon    float64 `yaml:"epsilon"`
	Gamma      float64 `yaml:"gamma"`
	MaxSamples int     `yaml:"maxSamples"`
	MaxIter    int     `yaml:"maxIter"`
	Tol        float64 `yaml:"tol"`
}

type ConfigFile struct {
	Data struct {
		Path             string   `yaml:"path"`
		TargetColumn     string   `yaml:"targetColumn"`
		FeatureColumns   []string `yaml:"featureColumns"`
		MonotonicColumns []string `yaml:"monotonicColumns"`
		TargetDivisor    float64  `yaml:"targetDivisor"`
		ScaleTarget      bool     `yaml:"scaleTarget"`
		TrainRatio       float64  `yaml:"trainRatio"`
		ValRatio         float64  `yaml:"valRatio"`
		FetchTimeout     string   `yaml:"fetchTimeout"`
	} `yaml:"data"`

	Sweep struct {
		Seed           uint64    `yaml:"seed"`
		Lambdas        []float64 `yaml:"lambdas"`
		LossLambda     *float64  `yaml:"lossLambda"`
		SubsetMode     string    `yaml:"subsetMode"`
		NativeMonotone bool      `yaml:"nativeMonotone"`
		Workers        int       `yaml:"workers"`
		Experiment     string    `yaml:"experiment"`
	} `yaml:"sweep"`

	Model struct {
		Predictor     string  `yaml:"predictor"`
		Adjustment    string  `yaml:"adjustment"`
		NoiseStd      float64 `yaml:"noiseStd"`
		WeightParam   string  `yaml:"weightParam"`
		InitialWeight float64 `yaml:"initialWeight"`
		Penalty       string  `yaml:"penalty"`
	} `yaml:"model"`

	Training TrainingConfig `yaml:"training"`
	Network  NetworkConfig  `yaml:"network"`
	Tree     TreeConfig     `yaml:"tree"`
	Boosting BoostingConfig `yaml:"boosting"`
	SVR      SVRConfig      `yaml:"svr"`

	Output struct {
		Path        string `yaml:"path"`
		StorePath   string `yaml:"storePath"`
		MetricsPort int    `yaml:"metricsPort"`
	} `yaml:"output"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// Defaults returns the settings used when neither a config file nor
// environment variables are present.
func Defaults() Settings {
	return flatten(defaultConfigFile())
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Unmarshal over the defaults so keys absent from the file keep them
	config := defaultConfigFile()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings, err := buildSettings(config)
	if err != nil {
		return Settings{}, err
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings, err := buildSettings(defaultConfigFile())
	if err != nil {
		return Settings{}, err
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func defaultConfigFile() ConfigFile {
	var c ConfigFile

	c.Data.TargetColumn = common.DefaultTargetColumn
	c.Data.TargetDivisor = common.DefaultTargetDivisor
	c.Data.TrainRatio = common.DefaultTrainRatio
	c.Data.ValRatio = common.DefaultValRatio
	c.Data.FetchTimeout = "30s"

	c.Sweep.Seed = common.DefaultSeed
	c.Sweep.Lambdas = append([]float64(nil), common.DefaultLambdas...)
	c.Sweep.SubsetMode = common.DefaultSubsetMode
	c.Sweep.Workers = common.DefaultWorkers
	c.Sweep.Experiment = common.DefaultExperiment

	c.Model.Predictor = common.DefaultPredictor
	c.Model.Adjustment = common.DefaultAdjustment
	c.Model.NoiseStd = common.DefaultNoiseStd
	c.Model.WeightParam = common.DefaultWeightParam
	c.Model.InitialWeight = common.DefaultInitialWeight
	c.Model.Penalty = common.DefaultPenalty

	c.Training = TrainingConfig{
		Epochs:        common.DefaultEpochs,
		BatchSize:     common.DefaultBatchSize,
		LearningRate:  common.DefaultLearningRate,
		Patience:      common.DefaultPatience,
		LRFactor:      common.DefaultLRFactor,
		LRPatience:    common.DefaultLRPatience,
		MinLR:         common.DefaultMinLR,
		BackfitRounds: common.DefaultBackfitRounds,
		WeightSteps:   common.DefaultWeightSteps,
	}
	c.Network = NetworkConfig{
		HiddenLayers: append([]int(nil), common.DefaultHiddenLayers...),
		Dropout:      common.DefaultDropout,
		Filters:      common.DefaultFilters,
		KernelSize:   common.DefaultKernelSize,
		ConvDense:    common.DefaultConvDense,
	}
	c.Tree = TreeConfig{
		MaxDepth:       common.DefaultMaxDepth,
		MinSamplesLeaf: common.DefaultMinLeaf,
	}
	c.Boosting = BoostingConfig{
		Rounds:    common.DefaultBoostRounds,
		Shrinkage: common.DefaultShrinkage,
		MaxDepth:  common.DefaultBoostDepth,
		Subsample: common.DefaultSubsample,
	}
	c.SVR = SVRConfig{
		C:          common.DefaultSVRC,
		Epsilon:    common.DefaultSVREpsilon,
		MaxSamples: common.DefaultSVRMaxSample,
		MaxIter:    common.DefaultSVRMaxIter,
		Tol:        common.DefaultSVRTol,
	}
	c.Output.Path = common.DefaultOutputPath

	return c
}

// flatten converts a config file into settings without consulting the
// environment.
func flatten(config ConfigFile) Settings {
	fetchTimeout, err := time.ParseDuration(config.Data.FetchTimeout)
	if err != nil {
		fetchTimeout = 30 * time.Second
	}

	return Settings{
		DataPath:         config.Data.Path,
		TargetColumn:     config.Data.TargetColumn,
		FeatureColumns:   config.Data.FeatureColumns,
		MonotonicColumns: config.Data.MonotonicColumns,
		TargetDivisor:    config.Data.TargetDivisor,
		ScaleTarget:      config.Data.ScaleTarget,
		TrainRatio:       config.Data.TrainRatio,
		ValRatio:         config.Data.ValRatio,
		FetchTimeout:     fetchTimeout,
		Seed:             config.Sweep.Seed,
		Lambdas:          config.Sweep.Lambdas,
		LossLambda:       config.Sweep.LossLambda,
		SubsetMode:       config.Sweep.SubsetMode,
		NativeMonotone:   config.Sweep.NativeMonotone,
		Predictor:        config.Model.Predictor,
		Adjustment:       config.Model.Adjustment,
		NoiseStd:         config.Model.NoiseStd,
		WeightParam:      config.Model.WeightParam,
		InitialWeight:    config.Model.InitialWeight,
		Penalty:          config.Model.Penalty,
		Training:         config.Training,
		Network:          config.Network,
		Tree:             config.Tree,
		Boosting:         config.Boosting,
		SVR:              config.SVR,
		Workers:          config.Sweep.Workers,
		Experiment:       config.Sweep.Experiment,
		OutputPath:       config.Output.Path,
		StorePath:        config.Output.StorePath,
		MetricsPort:      config.Output.MetricsPort,
	}
}

// buildSettings flattens a config file and applies environment overrides.
func buildSettings(config ConfigFile) (Settings, error) {
	s := flatten(config)

	lambdas, err := getFloatsOrDefault(common.EnvLambdas, s.Lambdas)
	if err != nil {
		return Settings{}, err
	}
	s.Lambdas = lambdas

	hidden, err := getIntsOrDefault(common.EnvHiddenLayers, s.Network.HiddenLayers)
	if err != nil {
		return Settings{}, err
	}
	s.Network.HiddenLayers = hidden

	if v := os.Getenv(common.EnvLossLambda); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid %s %q: %w", common.EnvLossLambda, v, err)
		}
		s.LossLambda = &f
	}

	s.DataPath = getEnvOrDefault(common.EnvDataPath, s.DataPath)
	s.TargetColumn = getEnvOrDefault(common.EnvTargetColumn, s.TargetColumn)
	s.FeatureColumns = splitOrDefault(os.Getenv(common.EnvFeatureColumns), s.FeatureColumns)
	s.MonotonicColumns = splitOrDefault(os.Getenv(common.EnvMonotonicColumns), s.MonotonicColumns)
	s.TargetDivisor = getFloatOrDefault(common.EnvTargetDivisor, s.TargetDivisor)
	s.ScaleTarget = getBoolOrDefault(common.EnvScaleTarget, s.ScaleTarget)
	s.TrainRatio = getFloatOrDefault(common.EnvTrainRatio, s.TrainRatio)
	s.ValRatio = getFloatOrDefault(common.EnvValRatio, s.ValRatio)
	s.FetchTimeout = getDurationOrDefault(common.EnvFetchTimeout, s.FetchTimeout)
	s.Seed = getUintOrDefault(common.EnvSeed, s.Seed)
	s.SubsetMode = getEnvOrDefault(common.EnvSubsetMode, s.SubsetMode)
	s.NativeMonotone = getBoolOrDefault(common.EnvNativeMonotone, s.NativeMonotone)
	s.Predictor = getEnvOrDefault(common.EnvPredictor, s.Predictor)
	s.Adjustment = getEnvOrDefault(common.EnvAdjustment, s.Adjustment)
	s.NoiseStd = getFloatOrDefault(common.EnvNoiseStd, s.NoiseStd)
	s.WeightParam = getEnvOrDefault(common.EnvWeightParam, s.WeightParam)
	s.InitialWeight = getFloatOrDefault(common.EnvInitialWeight, s.InitialWeight)
	s.Penalty = getEnvOrDefault(common.EnvPenalty, s.Penalty)

	s.Training.Epochs = getIntOrDefault(common.EnvEpochs, s.Training.Epochs)
	s.Training.BatchSize = getIntOrDefault(common.EnvBatchSize, s.Training.BatchSize)
	s.Training.LearningRate = getFloatOrDefault(common.EnvLearningRate, s.Training.LearningRate)
	s.Training.Patience = getIntOrDefault(common.EnvPatience, s.Training.Patience)
	s.Training.LRFactor = getFloatOrDefault(common.EnvLRFactor, s.Training.LRFactor)
	s.Training.LRPatience = getIntOrDefault(common.EnvLRPatience, s.Training.LRPatience)
	s.Training.MinLR = getFloatOrDefault(common.EnvMinLR, s.Training.MinLR)
	s.Training.BackfitRounds = getIntOrDefault(common.EnvBackfitRounds, s.Training.BackfitRounds)
	s.Training.WeightSteps = getIntOrDefault(common.EnvWeightSteps, s.Training.WeightSteps)
	s.Network.Dropout = getFloatOrDefault(common.EnvDropout, s.Network.Dropout)

	s.Workers = getIntOrDefault(common.EnvWorkers, s.Workers)
	s.Experiment = getEnvOrDefault(common.EnvExperiment, s.Experiment)
	s.OutputPath = getEnvOrDefault(common.EnvOutputPath, s.OutputPath)
	s.StorePath = getEnvOrDefault(common.EnvStorePath, s.StorePath)
	s.MetricsPort = getIntOrDefault(common.EnvMetricsPort, s.MetricsPort)

	return s, nil
}

// LossLambdaFor returns the loss-blend coefficient paired with an
// adjustment coefficient. It follows the adjustment value unless a separate
// loss lambda was configured.
func (s *Settings) LossLambdaFor(arch float64) float64 {
	if s.LossLambda != nil {
		return *s.LossLambda
	}
	return arch
}

// Validate re-runs validation, e.g. after command line overrides.
func (s *Settings) Validate() error {
	return validateSettings(s)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getUintOrDefault(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatsOrDefault(key string, defaultValue []float64) ([]float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	parts := splitOrDefault(v, nil)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func getIntsOrDefault(key string, defaultValue []int) ([]int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	parts := splitOrDefault(v, nil)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, p, err)
		}
		out = append(out, i)
	}
	return out, nil
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
