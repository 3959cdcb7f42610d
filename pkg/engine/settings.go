package engine

import (
	"fmt"
	"time"

	"github.com/itohio/goert/pkg/config"
)

// Settings are the operator adjustable run parameters.
type Settings struct {
	InjectionDuration time.Duration
	NbStack           int
	NbMeas            int // Repetitions of a multiple-sequence run
	SequenceDelay     time.Duration
	ExportPath        string
}

// SettingsFrom takes the defaults from the acquisition config.
func SettingsFrom(cfg *config.Config) Settings {
	a := cfg.Acquisition
	return Settings{
		InjectionDuration: a.InjectionDuration,
		NbStack:           a.NbStack,
		NbMeas:            a.NbMeas,
		SequenceDelay:     a.SequenceDelay,
		ExportPath:        a.ExportPath,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	switch {
	case s.InjectionDuration <= 0:
		return fmt.Errorf("injection_duration must be positive, got %v", s.InjectionDuration)
	case s.NbStack < 1:
		return fmt.Errorf("nb_stack must be at least 1, got %d", s.NbStack)
	case s.NbMeas < 1:
		return fmt.Errorf("nb_meas must be at least 1, got %d", s.NbMeas)
	case s.SequenceDelay < 0:
		return fmt.Errorf("sequence_delay must not be negative, got %v", s.SequenceDelay)
	}
	return nil
}

// SettingsUpdate carries the recognized update_settings options. Nil fields
// are left unchanged. Durations are in seconds.
type SettingsUpdate struct {
	InjectionDuration *float64 `json:"injection_duration,omitempty"`
	NbStack           *int     `json:"nb_stack,omitempty"`
	NbMeas            *int     `json:"nb_meas,omitempty"`
	SequenceDelay     *float64 `json:"sequence_delay,omitempty"`
	ExportPath        *string  `json:"export_path,omitempty"`
}

// Apply returns s with u applied. The result is validated.
func (s Settings) Apply(u SettingsUpdate) (Settings, error) {
	if u.InjectionDuration != nil {
		s.InjectionDuration = seconds(*u.InjectionDuration)
	}
	if u.NbStack != nil {
		s.NbStack = *u.NbStack
	}
	if u.NbMeas != nil {
		s.NbMeas = *u.NbMeas
	}
	if u.SequenceDelay != nil {
		s.SequenceDelay = seconds(*u.SequenceDelay)
	}
	if u.ExportPath != nil {
		s.ExportPath = *u.ExportPath
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// RunOptions override settings for one run. Zero values use the settings.
type RunOptions struct {
	Sequence          Sequence // Nil uses the stored sequence
	InjectionDuration time.Duration
	NbStack           int
	ExportPath        string
}
