package mux

import (
	"fmt"
	"strings"
)

// ExpanderWidth is the number of relay pins on one I/O expander.
const ExpanderWidth = 16

// Role is the logical function of an electrode in a quadruple.
type Role string

const (
	RoleA Role = "A" // current injection
	RoleB Role = "B" // current return
	RoleM Role = "M" // potential sensing
	RoleN Role = "N" // potential sensing
)

// Roles lists the logical roles in quadruple order.
var Roles = []Role{RoleA, RoleB, RoleM, RoleN}

// ParseRole parses a role name, case insensitive.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleA, RoleB, RoleM, RoleN:
		return r, nil
	}
	return "", fmt.Errorf("mux: unknown role %q", s)
}

// InternalRole is the relay bank a board wires a logical role to.
type InternalRole string

const (
	InternalX  InternalRole = "X"
	InternalY  InternalRole = "Y"
	InternalXX InternalRole = "XX"
	InternalYY InternalRole = "YY"
)

// Supported cabling layouts, in bank order.
var (
	Layout4Roles = []InternalRole{InternalX, InternalY, InternalXX, InternalYY}
	Layout2Roles = []InternalRole{InternalX, InternalY}
)

// ParseInternalRole parses an internal role name, case insensitive.
func ParseInternalRole(s string) (InternalRole, error) {
	r := InternalRole(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case InternalX, InternalY, InternalXX, InternalYY:
		return r, nil
	}
	return "", fmt.Errorf("mux: unknown internal role %q", s)
}

// CablingEntry assigns one board-local (electrode, internal role) pair to an
// expander pin.
type CablingEntry struct {
	Electrode int
	Role      InternalRole
	Expander  int
	Pin       int
}

// GenerateCabling builds the cabling of a board with the given bank layout.
// Banks are laid out one after another across cascaded expanders: the
// linear relay index is decomposed into an expander index and a pin.
func GenerateCabling(layout []InternalRole, electrodes int) []CablingEntry {
	entries := make([]CablingEntry, 0, len(layout)*electrodes)
	for bank, role := range layout {
		for e := 1; e <= electrodes; e++ {
			k := bank*electrodes + (e - 1)
			entries = append(entries, CablingEntry{
				Electrode: e,
				Role:      role,
				Expander:  k / ExpanderWidth,
				Pin:       k % ExpanderWidth,
			})
		}
	}
	return entries
}

// ExpandersNeeded returns how many expanders a generated cabling occupies.
func ExpandersNeeded(layout []InternalRole, electrodes int) int {
	n := len(layout) * electrodes
	return (n + ExpanderWidth - 1) / ExpanderWidth
}

// layoutFor returns the supported layout covered by the board's role map.
func layoutFor(roles map[Role]InternalRole) ([]InternalRole, bool) {
	used := make(map[InternalRole]bool, len(roles))
	for _, ir := range roles {
		used[ir] = true
	}
	for _, layout := range [][]InternalRole{Layout4Roles, Layout2Roles} {
		if len(used) != len(layout) {
			continue
		}
		ok := true
		for _, ir := range layout {
			if !used[ir] {
				ok = false
				break
			}
		}
		if ok {
			return layout, true
		}
	}
	return nil, false
}
