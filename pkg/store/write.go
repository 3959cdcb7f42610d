package store

import (
	"context"
	"fmt"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
)

// Append implements engine.Sink. The run row is created on first use.
func (s *Store) Append(ctx context.Context, run engine.RunInfo, rec inject.Record) error {
	stacks, err := marshalStacks(rec.Stacks)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	waveform, err := marshalWaveform(rec.Waveform)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, export_path, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID.String(),
		run.ExportPath,
		run.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records
		(run_id, repetition, a, b, m, n, status, error,
		 current_mean, current_std, voltage_mean, voltage_std,
		 resistance, resistance_std, self_potential, injection_voltage,
		 current_gain, voltage_gain, stacks, waveform, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID.String(),
		run.Repetition,
		rec.A, rec.B, rec.M, rec.N,
		rec.Status.String(),
		rec.Err,
		nullable(rec.CurrentMean),
		nullable(rec.CurrentStd),
		nullable(rec.VoltageMean),
		nullable(rec.VoltageStd),
		nullable(rec.Resistance),
		nullable(rec.ResistanceStd),
		nullable(rec.SelfPotential),
		nullable(rec.InjectionVoltage),
		int(rec.CurrentGain),
		int(rec.VoltageGain),
		stacks,
		waveform,
		rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	return tx.Commit()
}
