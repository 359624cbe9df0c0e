package common

// Predictor kinds
const (
	PredictorMLP  = "mlp"
	PredictorCNN  = "cnn"
	PredictorTree = "tree"
	PredictorGBT  = "gbt"
	PredictorSVR  = "svr"
)

// Feature subset modes
const (
	SubsetMulti  = "multi"
	SubsetSingle = "single"
	SubsetBoth   = "both"
)

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvDataPath         = "DATA_PATH"
	EnvTargetColumn     = "TARGET_COLUMN"
	EnvFeatureColumns   = "FEATURE_COLUMNS"
	EnvMonotonicColumns = "MONOTONIC_COLUMNS"
	EnvTargetDivisor    = "TARGET_DIVISOR"
	EnvScaleTarget      = "SCALE_TARGET"
	EnvTrainRatio       = "TRAIN_RATIO"
	EnvValRatio         = "VAL_RATIO"
	EnvSeed             = "SEED"
	EnvLambdas          = "LAMBDAS"
	EnvLossLambda       = "LOSS_LAMBDA"
	EnvSubsetMode       = "SUBSET_MODE"
	EnvNativeMonotone   = "NATIVE_MONOTONE"
	EnvPredictor        = "PREDICTOR"
	EnvAdjustment       = "ADJUSTMENT"
	EnvNoiseStd         = "NOISE_STD"
	EnvWeightParam      = "WEIGHT_PARAM"
	EnvInitialWeight    = "INITIAL_WEIGHT"
	EnvPenalty          = "PENALTY"
	EnvEpochs           = "EPOCHS"
	EnvBatchSize        = "BATCH_SIZE"
	EnvLearningRate     = "LEARNING_RATE"
	EnvPatience         = "PATIENCE"
	EnvLRFactor         = "LR_FACTOR"
	EnvLRPatience       = "LR_PATIENCE"
	EnvMinLR            = "MIN_LR"
	EnvBackfitRounds    = "BACKFIT_ROUNDS"
	EnvWeightSteps      = "WEIGHT_STEPS"
	EnvHiddenLayers     = "HIDDEN_LAYERS"
	EnvDropout          = "DROPOUT"
	EnvWorkers          = "WORKERS"
	EnvOutputPath       = "OUTPUT_PATH"
	EnvStorePath        = "STORE_PATH"
	EnvMetricsPort      = "METRICS_PORT"
	EnvExperiment       = "EXPERIMENT"
	EnvFetchTimeout     = "FETCH_TIMEOUT"
)

// Configuration defaults
const (
	DefaultTargetColumn  = "trips"
	DefaultTargetDivisor = 1000.0
	DefaultTrainRatio    = 0.7
	DefaultValRatio      = 0.15
	DefaultSeed          = 42
	DefaultSubsetMode    = SubsetBoth
	DefaultPredictor     = PredictorMLP
	DefaultAdjustment    = "deterministic"
	DefaultNoiseStd      = 0.1
	DefaultWeightParam   = "raw"
	DefaultInitialWeight = 1.0
	DefaultPenalty       = "order"
	DefaultEpochs        = 100
	DefaultBatchSize     = 32
	DefaultLearningRate  = 0.001
	DefaultPatience      = 10
	DefaultLRFactor      = 0.5
	DefaultLRPatience    = 5
	DefaultMinLR         = 1e-6
	DefaultBackfitRounds = 10
	DefaultWeightSteps   = 50
	DefaultDropout       = 0.2
	DefaultWorkers       = 1
	DefaultOutputPath    = "results"
	DefaultExperiment    = "monotonic-sweep"

	DefaultFilters      = 16
	DefaultKernelSize   = 2
	DefaultConvDense    = 32
	DefaultMaxDepth     = 6
	DefaultMinLeaf      = 5
	DefaultBoostRounds  = 100
	DefaultShrinkage    = 0.1
	DefaultBoostDepth   = 3
	DefaultSubsample    = 0.8
	DefaultSVRC         = 1.0
	DefaultSVREpsilon   = 0.01
	DefaultSVRMaxSample = 2000
	DefaultSVRMaxIter   = 200
	DefaultSVRTol       = 1e-4
)

// DefaultLambdas is the coefficient grid swept when none is configured.
var DefaultLambdas = []float64{0, 0.1, 0.25, 0.5, 0.75, 1}

// DefaultHiddenLayers is the MLP shape used when none is configured.
var DefaultHiddenLayers = []int{128, 64, 32}

// Validation constants
const (
	MinHiddenLayers = 1
	MaxHiddenLayers = 8
	MaxDropout      = 0.9
	MaxWorkers      = 64
	MinMetricsPort  = 1024
	MaxMetricsPort  = 65535
)
