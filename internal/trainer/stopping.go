package trainer

import (
	"math"

	"monosweep/internal/cfg"
	"monosweep/internal/monotone"
	"monosweep/internal/predictor"

	"github.com/rs/zerolog/log"
)

// earlyStopper tracks the best validation loss, stops after Patience epochs
// without improvement and multiplies the learning rate by LRFactor after
// LRPatience stale epochs, never going below MinLR.
type earlyStopper struct {
	patience   int
	minDelta   float64
	lrFactor   float64
	lrPatience int
	minLR      float64
	metrics    MetricsInterface

	lr         float64
	best       float64
	wait       int
	lrWait     int
	epochs     int
	reductions int
	stop       bool

	baseSnap any
	adjSnap  []float64
	saved    bool
}

func newEarlyStopper(tc cfg.TrainingConfig, metrics MetricsInterface) *earlyStopper {
	return &earlyStopper{
		patience:   tc.Patience,
		minDelta:   tc.MinDelta,
		lrFactor:   tc.LRFactor,
		lrPatience: tc.LRPatience,
		minLR:      tc.MinLR,
		metrics:    metrics,
		lr:         tc.LearningRate,
		best:       math.Inf(1),
	}
}

// observe records the validation loss of epoch and reports whether it is a
// new best.
func (e *earlyStopper) observe(epoch int, val float64) bool {
	e.epochs = epoch + 1
	if val < e.best-e.minDelta {
		e.best = val
		e.wait, e.lrWait = 0, 0
		return true
	}

	e.wait++
	e.lrWait++
	if e.lrPatience > 0 && e.lrWait >= e.lrPatience && e.lrFactor > 0 && e.lrFactor < 1 && e.lr > e.minLR {
		e.lr = math.Max(e.lr*e.lrFactor, e.minLR)
		e.reductions++
		e.lrWait = 0
		if e.metrics != nil {
			e.metrics.LRReductionsInc()
		}
		log.Debug().Int("epoch", epoch).Float64("lr", e.lr).Msg("Reduced learning rate on plateau")
	}
	if e.patience > 0 && e.wait >= e.patience {
		e.stop = true
		log.Debug().Int("epoch", epoch).Float64("best", e.best).Msg("Stopping early")
	}
	return false
}

func (e *earlyStopper) checkpoint(base any, adj []float64) {
	e.baseSnap, e.adjSnap, e.saved = base, adj, true
}

// restore rolls the models back to the best checkpoint, if any.
func (e *earlyStopper) restore(base predictor.Checkpointer, adj *monotone.Adjuster) error {
	if !e.saved {
		return nil
	}
	if err := base.Restore(e.baseSnap); err != nil {
		return err
	}
	return adj.Restore(e.adjSnap)
}

func (e *earlyStopper) stats() fitStats {
	return fitStats{
		epochs:       e.epochs,
		stoppedEarly: e.stop,
		lrReductions: e.reductions,
		finalLR:      e.lr,
		bestVal:      e.best,
	}
}
