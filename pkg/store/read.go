package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/inject"
)

// Runs returns the stored runs ordered by start time.
func (s *Store) Runs(ctx context.Context) ([]engine.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, export_path, started_at
		FROM runs
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.RunInfo{}
	for rows.Next() {
		var (
			id      string
			run     engine.RunInfo
			started int64
		)
		if err := rows.Scan(&id, &run.ExportPath, &started); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Started = fromNanos(started)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Records returns the records of a run in acquisition order.
// Returns an empty slice if the run has no records.
func (s *Store) Records(ctx context.Context, runID uuid.UUID) ([]engine.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.repetition, r.a, r.b, r.m, r.n, r.status, r.error,
		       r.current_mean, r.current_std, r.voltage_mean, r.voltage_std,
		       r.resistance, r.resistance_std, r.self_potential, r.injection_voltage,
		       r.current_gain, r.voltage_gain, r.stacks, r.waveform, r.measured_at,
		       runs.export_path, runs.started_at
		FROM records r
		JOIN runs ON runs.id = r.run_id
		WHERE r.run_id = ?
		ORDER BY r.repetition ASC, r.id ASC
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	entries := []engine.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.Run.ID = runID
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (engine.Entry, error) {
	var (
		e                         engine.Entry
		rec                       = &e.Record
		status                    string
		im, is, vm, vs, r, rs, sp sql.NullFloat64
		iv                        sql.NullFloat64
		gi, gv                    int
		stacks, waveform          string
		measured, started         int64
	)
	err := rows.Scan(
		&e.Run.Repetition, &rec.A, &rec.B, &rec.M, &rec.N, &status, &rec.Err,
		&im, &is, &vm, &vs,
		&r, &rs, &sp, &iv,
		&gi, &gv, &stacks, &waveform, &measured,
		&e.Run.ExportPath, &started,
	)
	if err != nil {
		return e, fmt.Errorf("scan record: %w", err)
	}

	if rec.Status, err = inject.ParseStatus(status); err != nil {
		return e, fmt.Errorf("scan record: %w", err)
	}
	rec.CurrentMean, rec.CurrentStd = fromNull(im), fromNull(is)
	rec.VoltageMean, rec.VoltageStd = fromNull(vm), fromNull(vs)
	rec.Resistance, rec.ResistanceStd = fromNull(r), fromNull(rs)
	rec.SelfPotential, rec.InjectionVoltage = fromNull(sp), fromNull(iv)
	rec.CurrentGain, rec.VoltageGain = hw.Gain(gi), hw.Gain(gv)
	rec.Timestamp = fromNanos(measured)
	e.Run.Started = fromNanos(started)

	if rec.Stacks, err = unmarshalStacks(stacks); err != nil {
		return e, err
	}
	if rec.Waveform, err = unmarshalWaveform(waveform); err != nil {
		return e, err
	}
	return e, nil
}
