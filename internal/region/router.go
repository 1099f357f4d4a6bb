package region

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ID names a regional deployment, e.g. "eu-west-1".
type ID string

// String returns the region identifier.
func (id ID) String() string { return string(id) }

// Default region layout used when configuration does not override it.
const DefaultPrimary ID = "us-east-1"

// DefaultRegions returns the default known-region list, primary first.
func DefaultRegions() []ID {
	return []ID{"us-east-1", "us-west-2", "eu-west-1", "ap-southeast-1"}
}

// writeOperations is the closed set of mutating operations. Every other
// operation name is a read.
var writeOperations = map[string]struct{}{
	"place_order":            {},
	"cancel_order":           {},
	"update_order_status":    {},
	"create_menu_item":       {},
	"update_menu_item":       {},
	"delete_menu_item":       {},
	"register_client_region": {},
	"switch_api_version":     {},
}

// IsWriteOperation reports whether op belongs to the closed set of mutating
// operations that must execute on the primary region.
func IsWriteOperation(op string) bool {
	_, ok := writeOperations[op]
	return ok
}

// WriteOperations returns the sorted list of mutating operation names.
func WriteOperations() []string {
	ops := make([]string, 0, len(writeOperations))
	for op := range writeOperations {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Router maps operations to regions. It holds a closed list of known regions
// and a distinguished primary, both fixed at construction.
type Router struct {
	known   map[ID]struct{} // membership lookup
	primary ID              // region that owns all writes
	order   []ID            // known regions in configured order
}

// NewRouter builds a router from a primary region and the list of known
// regions. The primary is added to the known list if it is missing; blank and
// duplicate entries are dropped.
//
// Parameters:
//   - primary: Region that executes every write operation (required)
//   - known: All regions the platform deploys to
//
// Returns:
//   - *Router: Immutable router
//   - error: If primary is blank
//
// Example:
//
//	router, err := region.NewRouter("us-east-1", []region.ID{"us-east-1", "eu-west-1"})
//	target := router.Route("get_smart_menu", "eu-west-1", "")
func NewRouter(primary ID, known []ID) (*Router, error) {
	primary = normalize(primary)
	if primary == "" {
		return nil, errors.New("primary region cannot be empty")
	}

	r := &Router{
		known:   make(map[ID]struct{}, len(known)+1),
		primary: primary,
	}
	r.add(primary)
	for _, id := range known {
		r.add(normalize(id))
	}
	return r, nil
}

func (r *Router) add(id ID) {
	if id == "" {
		return
	}
	if _, dup := r.known[id]; dup {
		return
	}
	r.known[id] = struct{}{}
	r.order = append(r.order, id)
}

func normalize(id ID) ID {
	return ID(strings.TrimSpace(string(id)))
}

// Primary returns the primary region.
func (r *Router) Primary() ID {
	return r.primary
}

// Regions returns a copy of the known regions in configured order.
func (r *Router) Regions() []ID {
	return slices.Clone(r.order)
}

// IsKnown reports whether id is one of the configured regions.
func (r *Router) IsKnown(id ID) bool {
	_, ok := r.known[normalize(id)]
	return ok
}

// Route picks the region that executes op.
//
// Write operations always land on the primary. Reads use override when it is
// a known region, then clientRegion when known, then the primary. Unknown
// regions are treated as absent.
//
// Parameters:
//   - op: Operation name
//   - clientRegion: Region the client declared as its home
//   - override: Explicit region requested for this call (may be empty)
//
// Returns:
//   - ID: Region that must serve the call
func (r *Router) Route(op string, clientRegion, override ID) ID {
	if IsWriteOperation(op) {
		return r.primary
	}
	if r.IsKnown(override) {
		return normalize(override)
	}
	if r.IsKnown(clientRegion) {
		return normalize(clientRegion)
	}
	return r.primary
}

// Targets computes the regions that must receive an event raised in source.
//
// When explicit is nil every known region except source is returned, in
// configured order. Otherwise explicit is filtered to known regions, source is
// removed, and duplicates are dropped keeping first-seen order. A non-nil
// empty list yields no targets.
func (r *Router) Targets(source ID, explicit []ID) []ID {
	source = normalize(source)
	candidates := r.order
	if explicit != nil {
		candidates = explicit
	}

	seen := make(map[ID]struct{}, len(candidates))
	targets := make([]ID, 0, len(candidates))
	for _, id := range candidates {
		id = normalize(id)
		if id == source || !r.IsKnown(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}
	return targets
}

// ParseIDs converts raw strings into region identifiers. A nil input yields a
// nil result so callers can tell "absent" from "empty".
func ParseIDs(raw []string) []ID {
	if raw == nil {
		return nil
	}
	ids := make([]ID, 0, len(raw))
	for _, s := range raw {
		ids = append(ids, ID(s))
	}
	return ids
}

// Validate checks that every id is known to the router.
func (r *Router) Validate(ids ...ID) error {
	for _, id := range ids {
		if !r.IsKnown(id) {
			return fmt.Errorf("unknown region %q", id)
		}
	}
	return nil
}
