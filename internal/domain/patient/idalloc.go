package patient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

const (
	idLiteral   = "PT"
	maxSequence = 99999
)

// ErrSequenceExhausted is returned when a month already holds maxSequence
// registrations. It is a storage write failure to callers.
var ErrSequenceExhausted = fmt.Errorf("%w: patient id sequence exhausted for this month", apierr.ErrStorageWrite)

// Allocation describes how an identifier was derived.
type Allocation struct {
	ID string
	// Recovered is set when the previous id could not be parsed and the
	// sequence was reset to 1.
	Recovered bool
	Previous  string
}

// MonthPrefix returns the YYMM component for t.
func MonthPrefix(t time.Time) string {
	return t.Format("0601")
}

// FormatID renders PT-<prefix>-<seq zero padded to 5>.
func FormatID(prefix string, seq int) string {
	return fmt.Sprintf("%s-%s-%05d", idLiteral, prefix, seq)
}

// NextID derives the identifier that follows last in today's month. An
// empty last means the registry is empty.
func NextID(last string, today time.Time) (Allocation, error) {
	prefix := MonthPrefix(today)
	alloc := Allocation{Previous: last}
	if last == "" {
		alloc.ID = FormatID(prefix, 1)
		return alloc, nil
	}

	storedPrefix, seq, err := ParseID(last)
	switch {
	case err != nil:
		alloc.Recovered = true
		alloc.ID = FormatID(prefix, 1)
	case storedPrefix != prefix:
		alloc.ID = FormatID(prefix, 1)
	case seq >= maxSequence:
		return alloc, fmt.Errorf("%s: %w", prefix, ErrSequenceExhausted)
	default:
		alloc.ID = FormatID(prefix, seq+1)
	}
	return alloc, nil
}

// AllocateNextID applies NextID to the most recent row of an ordered
// registry snapshot.
func AllocateNextID(snapshot []*Patient, today time.Time) (Allocation, error) {
	if len(snapshot) == 0 {
		return NextID("", today)
	}
	return NextID(snapshot[len(snapshot)-1].PatientID, today)
}

// ParseID splits a PT-YYMM-NNNNN identifier into its prefix and sequence.
func ParseID(id string) (string, int, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != idLiteral {
		return "", 0, fmt.Errorf("malformed patient id %q", id)
	}
	prefix, suffix := parts[1], parts[2]
	if len(prefix) != 4 || !allDigits(prefix) {
		return "", 0, fmt.Errorf("malformed month prefix in %q", id)
	}
	if suffix == "" || !allDigits(suffix) {
		return "", 0, fmt.Errorf("malformed sequence in %q", id)
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("malformed sequence in %q", id)
	}
	return prefix, seq, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
