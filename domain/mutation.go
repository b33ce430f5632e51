package domain

import "fmt"

type MutationKind string

const (
	FurnitureAdded   MutationKind = "furniture_added"
	FurnitureMoved   MutationKind = "furniture_moved"
	FurnitureRemoved MutationKind = "furniture_removed"
	DesignUpdated    MutationKind = "design_updated"
)

// FurnitureItem is one placeable element of the room layout.
type FurnitureItem struct {
	ElementID string
	Kind      string
	X         float64
	Y         float64
	Rotation  float64
}

// Mutation is a change to the design, submitted by one participant and
// broadcast to the others once the session assigns it a sequence number.
// Exactly one payload group is populated depending on Kind.
type Mutation struct {
	Kind MutationKind

	// FurnitureAdded
	Item *FurnitureItem

	// FurnitureMoved / FurnitureRemoved
	ElementID string
	X         float64
	Y         float64

	// DesignUpdated
	Patch map[string]any
}

// Validate checks structural well-formedness. Malformed mutations are
// rejected before sequencing and never broadcast.
func (m Mutation) Validate() error {
	switch m.Kind {
	case FurnitureAdded:
		if m.Item == nil || m.Item.ElementID == "" {
			return fmt.Errorf("furniture_added requires an item with an element id")
		}
	case FurnitureMoved:
		if m.ElementID == "" {
			return fmt.Errorf("furniture_moved requires an element id")
		}
	case FurnitureRemoved:
		if m.ElementID == "" {
			return fmt.Errorf("furniture_removed requires an element id")
		}
	case DesignUpdated:
		if len(m.Patch) == 0 {
			return fmt.Errorf("design_updated requires a non-empty patch")
		}
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// LockedElement returns the element whose lock the origin must hold for
// this mutation to be accepted, if any. Adding a fresh element and
// design-wide patches are lock-free.
func (m Mutation) LockedElement() (string, bool) {
	switch m.Kind {
	case FurnitureMoved, FurnitureRemoved:
		return m.ElementID, true
	}
	return "", false
}
