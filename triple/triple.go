package triple

import "fmt"

// Triple is an ordered (subject, predicate, object) of dictionary IDs.
type Triple struct {
	S, P, O uint32
}

func (t Triple) String() string {
	return fmt.Sprintf("(%d,%d,%d)", t.S, t.P, t.O)
}

// Order is one of the six orderings the paged index maintains, each
// defining a sort key and a "primary" position (the first ID that
// partitions pages under that ordering).
type Order uint8

const (
	SPO Order = iota
	SOP
	POS
	PSO
	OSP
	OPS
)

var orderNames = [...]string{"SPO", "SOP", "POS", "PSO", "OSP", "OPS"}

func (o Order) String() string {
	if int(o) < len(orderNames) {
		return orderNames[o]
	}
	return "???"
}

// AllOrders lists the six orderings in a stable sequence, used whenever
// code must iterate "every ordering" (flush, rebuild, GC).
var AllOrders = [...]Order{SPO, SOP, POS, PSO, OSP, OPS}

// ParseOrder maps a manifest/file-name string back to an Order.
func ParseOrder(s string) (Order, bool) {
	for _, o := range AllOrders {
		if o.String() == s {
			return o, true
		}
	}
	return 0, false
}

// Key returns the (primary, secondary, tertiary) triple of IDs as sorted
// under this ordering — primary is the value pages are grouped by.
func (o Order) Key(t Triple) (primary, secondary, tertiary uint32) {
	switch o {
	case SPO:
		return t.S, t.P, t.O
	case SOP:
		return t.S, t.O, t.P
	case POS:
		return t.P, t.O, t.S
	case PSO:
		return t.P, t.S, t.O
	case OSP:
		return t.O, t.S, t.P
	case OPS:
		return t.O, t.P, t.S
	}
	panic("invalid order")
}

// Rebuild reverses Key: given the ordering and the three positional
// values as this ordering stores them, reconstruct the (S,P,O) triple.
func (o Order) Rebuild(primary, secondary, tertiary uint32) Triple {
	switch o {
	case SPO:
		return Triple{primary, secondary, tertiary}
	case SOP:
		return Triple{primary, tertiary, secondary}
	case POS:
		return Triple{tertiary, primary, secondary}
	case PSO:
		return Triple{secondary, primary, tertiary}
	case OSP:
		return Triple{secondary, tertiary, primary}
	case OPS:
		return Triple{tertiary, secondary, primary}
	}
	panic("invalid order")
}

// Pattern is a partially-bound triple pattern: Bound* reports which
// positions are fixed.
type Pattern struct {
	Subject, Predicate, Object       uint32
	HasSubject, HasPredicate, HasObject bool
}

// BestOrder picks the ordering whose primary is the most-selective bound
// position: subject+predicate bound prefers SPO, predicate-only prefers
// POS, object-only prefers OSP, and so on. When nothing is bound, SPO
// is used to stream everything.
func (p Pattern) BestOrder() Order {
	switch {
	case p.HasSubject && p.HasPredicate:
		return SPO
	case p.HasSubject && p.HasObject:
		return SOP
	case p.HasPredicate && p.HasObject:
		return POS
	case p.HasSubject:
		return SPO
	case p.HasPredicate:
		return POS
	case p.HasObject:
		return OSP
	default:
		return SPO
	}
}

// PrimaryValue returns the bound value for BestOrder's primary position,
// and whether one is bound at all.
func (p Pattern) PrimaryValue(o Order) (uint32, bool) {
	switch o {
	case SPO, SOP:
		return p.Subject, p.HasSubject
	case POS, PSO:
		return p.Predicate, p.HasPredicate
	case OSP, OPS:
		return p.Object, p.HasObject
	}
	return 0, false
}

// Matches reports whether t satisfies every bound position of p.
func (p Pattern) Matches(t Triple) bool {
	if p.HasSubject && t.S != p.Subject {
		return false
	}
	if p.HasPredicate && t.P != p.Predicate {
		return false
	}
	if p.HasObject && t.O != p.Object {
		return false
	}
	return true
}

// EdgeKey addresses an edge's property bag; NodeKey is just the node ID.
type EdgeKey struct {
	S, P, O uint32
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("(%d,%d,%d)", k.S, k.P, k.O)
}
