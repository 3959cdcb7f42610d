package engine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/itohio/goert/pkg/inject"
)

// Quadruple is the electrode set of one measurement.
type Quadruple = inject.Quadruple

// Sequence is an ordered list of quadruples. Order is acquisition order.
type Sequence []Quadruple

// Clone returns an independent copy.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}

// ParseSequence reads one "A B M N" quadruple per line. Fields may be
// separated by whitespace or commas; '#' starts a comment.
func ParseSequence(r io.Reader) (Sequence, error) {
	var seq Sequence
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 electrodes, got %d", line, len(fields))
		}

		var e [4]int
		for i, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid electrode %q: %w", line, f, err)
			}
			if v < 0 {
				return nil, fmt.Errorf("line %d: negative electrode %d", line, v)
			}
			e[i] = v
		}
		seq = append(seq, Quadruple{A: e[0], B: e[1], M: e[2], N: e[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

// LoadSequence reads a sequence file.
func LoadSequence(path string) (Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence file: %w", err)
	}
	defer f.Close()

	seq, err := ParseSequence(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seq, nil
}
