package inject

import (
	"math"
	"time"

	"github.com/itohio/goert/pkg/sample"
)

// Reduce turns half-cycle samples into a record. The transfer voltage of
// each half-cycle is its sensed voltage times the polarity sign, so the
// self-potential cancels in the mean and is recovered as the plain mean.
func Reduce(q Quadruple, stacks []StackSample) Record {
	rec := FailedRecord(q, StatusOK, nil, time.Time{})
	rec.Stacks = stacks
	if len(stacks) == 0 {
		return rec
	}

	currents := make([]float64, len(stacks))
	raw := make([]float64, len(stacks))
	transfer := make([]float64, len(stacks))
	for k, s := range stacks {
		currents[k] = s.Current
		raw[k] = s.Voltage
		transfer[k] = s.Polarity.Sign() * s.Voltage
	}

	rec.CurrentMean, rec.CurrentStd = sample.Stats(currents)
	rec.VoltageMean, rec.VoltageStd = sample.Stats(transfer)
	rec.SelfPotential, _ = sample.Stats(raw)

	if rec.CurrentMean != 0 {
		rec.Resistance = rec.VoltageMean / rec.CurrentMean
		rec.ResistanceStd = math.Abs(rec.Resistance) * math.Sqrt(
			sq(relative(rec.VoltageStd, rec.VoltageMean))+sq(relative(rec.CurrentStd, rec.CurrentMean)),
		)
	}

	last := stacks[len(stacks)-1]
	rec.CurrentGain, rec.VoltageGain = last.CurrentGain, last.VoltageGain
	return rec
}

func relative(std, mean float64) float64 {
	if std == 0 {
		return 0
	}
	return std / mean
}

func sq(x float64) float64 { return x * x }
