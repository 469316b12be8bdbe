package diff

import (
	"strconv"

	"github.com/livefir/livepatch/internal/rendered"
)

// Shape is the diff-side cache for one tree: the fingerprint of its
// static layout plus per-slot state for the previous render. It is
// never transmitted. A shape is created on first render, replaced
// after every diff, and discarded when the owning view or component
// unmounts.
type Shape struct {
	Fingerprint uint64
	slots       map[int]*slotState
}

type slotState struct {
	kind  rendered.Kind
	text  string      // last scalar value
	tree  *Shape      // nested tree shape
	keyed *keyedState // comprehension state
	cid   int         // component arena id
}

type keyedState struct {
	rowFP uint64 // shared row fingerprint, 0 when rows are non-uniform
	order []string
	rows  map[string]*Shape
}

// Slot returns the cached state kind for a dynamic index, for tests.
func (s *Shape) Slot(i int) (rendered.Kind, bool) {
	st, ok := s.slots[i]
	if !ok {
		return 0, false
	}
	return st.kind, true
}

func fingerprintHex(fp uint64) string {
	return strconv.FormatUint(fp, 16)
}
