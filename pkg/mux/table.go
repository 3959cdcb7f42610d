package mux

import (
	"fmt"
	"sort"

	"github.com/itohio/goert/pkg/config"
)

// Location is the physical address of a single relay.
type Location struct {
	Board      int
	MuxAddress uint8 // Address multiplexer in front of the board, 0 if none
	MuxChannel int
	Address    uint8 // Expander I2C address
	Pin        int
}

func (l Location) String() string {
	if l.MuxAddress == 0 {
		return fmt.Sprintf("board %d @0x%02x pin %d", l.Board, l.Address, l.Pin)
	}
	return fmt.Sprintf("board %d mux 0x%02x/%d @0x%02x pin %d", l.Board, l.MuxAddress, l.MuxChannel, l.Address, l.Pin)
}

// physical strips the board id so that two boards sharing a bus segment
// collide when they claim the same pin.
func (l Location) physical() Location {
	l.Board = 0
	return l
}

// Board is one multiplexer board instance.
type Board struct {
	ID         int
	MuxAddress uint8
	MuxChannel int
	Expanders  []uint8
	Offset     int
	Electrodes int
	Roles      map[Role]InternalRole
	Cabling    []CablingEntry // Generated from the role layout when empty
}

// Key identifies a logical relay.
type Key struct {
	Electrode int
	Role      Role
}

// Entry is one row of the address table.
type Entry struct {
	Key
	Location
}

// Table is the immutable (electrode, role) -> relay location mapping.
type Table struct {
	entries map[Key]Location
	max     int
}

// Build composes the cabling of every board with its instance parameters
// into one flat table.
func Build(boards []Board) (*Table, error) {
	t := &Table{entries: make(map[Key]Location)}
	owners := make(map[Location]Key)

	for _, b := range boards {
		if b.Electrodes <= 0 {
			return nil, configErrorf(b.ID, "electrode count must be positive, got %d", b.Electrodes)
		}
		if b.Offset < 0 {
			return nil, configErrorf(b.ID, "negative electrode offset %d", b.Offset)
		}
		layout, ok := layoutFor(b.Roles)
		if !ok {
			return nil, configErrorf(b.ID, "roles %v cover neither a 4-role nor a 2-role layout", b.Roles)
		}

		cabling := b.Cabling
		if len(cabling) == 0 {
			if need := ExpandersNeeded(layout, b.Electrodes); len(b.Expanders) < need {
				return nil, configErrorf(b.ID, "generated cabling needs %d expanders, board declares %d", need, len(b.Expanders))
			}
			cabling = GenerateCabling(layout, b.Electrodes)
		}

		// Bank -> logical roles wired to it.
		byBank := make(map[InternalRole][]Role, len(b.Roles))
		for _, r := range Roles {
			if ir, ok := b.Roles[r]; ok {
				byBank[ir] = append(byBank[ir], r)
			}
		}

		for _, c := range cabling {
			if c.Electrode < 1 || c.Electrode > b.Electrodes {
				return nil, configErrorf(b.ID, "cabling electrode %d outside 1..%d", c.Electrode, b.Electrodes)
			}
			if c.Expander < 0 || c.Expander >= len(b.Expanders) {
				return nil, configErrorf(b.ID, "cabling references expander %d, board declares %d", c.Expander, len(b.Expanders))
			}
			if c.Pin < 0 || c.Pin >= ExpanderWidth {
				return nil, configErrorf(b.ID, "pin %d outside 0..%d", c.Pin, ExpanderWidth-1)
			}

			loc := Location{
				Board:      b.ID,
				MuxAddress: b.MuxAddress,
				MuxChannel: b.MuxChannel,
				Address:    b.Expanders[c.Expander],
				Pin:        c.Pin,
			}
			for _, role := range byBank[c.Role] {
				key := Key{Electrode: b.Offset + c.Electrode, Role: role}
				if _, dup := t.entries[key]; dup {
					return nil, configErrorf(b.ID, "electrode %d role %s assigned twice", key.Electrode, key.Role)
				}
				if prev, taken := owners[loc.physical()]; taken && prev != key {
					return nil, configErrorf(b.ID, "%s wired to both electrode %d role %s and electrode %d role %s",
						loc, prev.Electrode, prev.Role, key.Electrode, key.Role)
				}
				owners[loc.physical()] = key
				t.entries[key] = loc
				if key.Electrode > t.max {
					t.max = key.Electrode
				}
			}
		}
	}

	if len(t.entries) == 0 {
		return nil, configErrorf(0, "no relays defined")
	}
	return t, nil
}

// FromConfig converts board configuration into board instances.
func FromConfig(boards []config.BoardConfig) ([]Board, error) {
	out := make([]Board, 0, len(boards))
	for _, bc := range boards {
		b := Board{
			ID:         bc.ID,
			MuxAddress: bc.MuxAddress,
			MuxChannel: bc.MuxChannel,
			Offset:     bc.Offset,
			Electrodes: bc.Electrodes,
			Roles:      make(map[Role]InternalRole, len(bc.Roles)),
		}
		for _, addr := range bc.Expanders {
			if addr <= 0 || addr > 0x7f {
				return nil, configErrorf(bc.ID, "expander address 0x%x is not a 7-bit I2C address", addr)
			}
			b.Expanders = append(b.Expanders, uint8(addr))
		}
		for rs, irs := range bc.Roles {
			r, err := ParseRole(rs)
			if err != nil {
				return nil, &ConfigurationError{Board: bc.ID, Reason: err.Error()}
			}
			ir, err := ParseInternalRole(irs)
			if err != nil {
				return nil, &ConfigurationError{Board: bc.ID, Reason: err.Error()}
			}
			b.Roles[r] = ir
		}
		for _, cc := range bc.Cabling {
			ir, err := ParseInternalRole(cc.Role)
			if err != nil {
				return nil, &ConfigurationError{Board: bc.ID, Reason: err.Error()}
			}
			b.Cabling = append(b.Cabling, CablingEntry{
				Electrode: cc.Electrode,
				Role:      ir,
				Expander:  cc.Expander,
				Pin:       cc.Pin,
			})
		}
		out = append(out, b)
	}
	return out, nil
}

// Load builds the address table straight from configuration.
func Load(cfg *config.Config) (*Table, error) {
	boards, err := FromConfig(cfg.Boards)
	if err != nil {
		return nil, err
	}
	return Build(boards)
}

// Lookup resolves a logical relay.
func (t *Table) Lookup(electrode int, role Role) (Location, error) {
	loc, ok := t.entries[Key{Electrode: electrode, Role: role}]
	if !ok {
		return Location{}, &AddressNotFoundError{Electrode: electrode, Role: role}
	}
	return loc, nil
}

// Len returns the number of relays in the table.
func (t *Table) Len() int {
	return len(t.entries)
}

// MaxElectrode returns the highest addressable electrode.
func (t *Table) MaxElectrode() int {
	return t.max
}

// Entries returns a sorted copy of the table.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for k, l := range t.entries {
		out = append(out, Entry{Key: k, Location: l})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Electrode != out[j].Electrode {
			return out[i].Electrode < out[j].Electrode
		}
		return out[i].Role < out[j].Role
	})
	return out
}
