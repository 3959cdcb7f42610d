package mux

import "fmt"

// ConfigurationError reports an invalid cabling or board table. It is fatal
// at startup.
type ConfigurationError struct {
	Board  int
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Board == 0 {
		return fmt.Sprintf("mux: configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("mux: configuration error on board %d: %s", e.Board, e.Reason)
}

func configErrorf(board int, format string, args ...any) error {
	return &ConfigurationError{Board: board, Reason: fmt.Sprintf(format, args...)}
}

// AddressNotFoundError is returned by Lookup for an unassigned
// (electrode, role) combination. Callers must skip switching.
type AddressNotFoundError struct {
	Electrode int
	Role      Role
}

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("mux: no relay assigned to electrode %d role %s", e.Electrode, e.Role)
}
