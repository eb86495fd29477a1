package bus

import "fmt"

// ClaimOptions mirrors the flag bits of the driver's RequestName request,
// carried forward from the teacher's client-side ClaimOptions to the
// server-side queue it drives.
type ClaimOptions struct {
	AllowReplacement bool
	TryReplace       bool
	NoQueue          bool
}

// RequestName reply codes, per the driver method table.
const (
	NameAlreadyOwner  uint32 = 1
	NameInQueue       uint32 = 2
	NameExists        uint32 = 3
	NameAlreadyExists uint32 = 4
)

// ReleaseName reply codes.
const (
	NameReleased    uint32 = 1
	NameNonExistent uint32 = 2
	NameNotOwner    uint32 = 3
)

// Registry tracks well-known name ownership and allocates unique names.
// A well-known name has one current owner plus, when ClaimOptions.NoQueue
// was not set on a losing request, a separate queue of connections
// waiting to inherit the name if the owner disconnects or releases it.
type Registry struct {
	owners   map[string]*Connection
	queues   map[string][]*Connection
	uniqueID uint64
}

// NewRegistry creates an empty name registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: map[string]*Connection{},
		queues: map[string][]*Connection{},
	}
}

// NextUniqueName allocates a fresh broker-assigned unique name of the
// form ":1.N", never previously returned.
func (r *Registry) NextUniqueName() string {
	r.uniqueID++
	return fmt.Sprintf(":1.%d", r.uniqueID)
}

// Owner returns the connection currently owning name, if any.
func (r *Registry) Owner(name string) (*Connection, bool) {
	c, ok := r.owners[name]
	return c, ok
}

// RequestName attempts to claim name for conn, applying opts the way the
// driver's RequestName method does.
func (r *Registry) RequestName(conn *Connection, name string, opts ClaimOptions) uint32 {
	owner, owned := r.owners[name]
	if !owned {
		r.owners[name] = conn
		conn.addOwnedName(name)
		return NameAlreadyOwner
	}
	if owner == conn {
		return NameAlreadyOwner
	}
	if opts.TryReplace && r.ownerAllowsReplacement(name) {
		r.transferOwner(name, conn)
		return NameAlreadyOwner
	}
	if opts.NoQueue {
		return NameExists
	}
	r.enqueue(name, conn)
	return NameInQueue
}

// ownerAllowsReplacement reports whether the current owner of name
// permits a TryReplace request to take it, as recorded per (name, owner)
// by SetAllowsReplacement.
func (r *Registry) ownerAllowsReplacement(name string) bool {
	c, ok := r.owners[name]
	if !ok {
		return false
	}
	return c.allowsReplacement[name]
}

// SetAllowsReplacement records whether conn (the owner of name) permits a
// future TryReplace request to take the name from it.
func (r *Registry) SetAllowsReplacement(conn *Connection, name string, allow bool) {
	if conn.allowsReplacement == nil {
		conn.allowsReplacement = map[string]bool{}
	}
	conn.allowsReplacement[name] = allow
}

func (r *Registry) enqueue(name string, conn *Connection) {
	q := r.queues[name]
	for _, c := range q {
		if c == conn {
			return
		}
	}
	r.queues[name] = append(q, conn)
}

func (r *Registry) transferOwner(name string, to *Connection) {
	if old, ok := r.owners[name]; ok {
		old.removeOwnedName(name)
	}
	r.owners[name] = to
	to.addOwnedName(name)
	r.removeFromQueue(name, to)
}

func (r *Registry) removeFromQueue(name string, conn *Connection) {
	q := r.queues[name]
	for i, c := range q {
		if c == conn {
			r.queues[name] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// ReleaseName releases conn's ownership (or queue position) for name,
// promoting the next queued connection to owner if one exists.
func (r *Registry) ReleaseName(conn *Connection, name string) uint32 {
	owner, owned := r.owners[name]
	if !owned {
		return NameNonExistent
	}
	if owner != conn {
		r.removeFromQueue(name, conn)
		return NameNotOwner
	}
	delete(r.owners, name)
	owner.removeOwnedName(name)
	if q := r.queues[name]; len(q) > 0 {
		next := q[0]
		r.queues[name] = q[1:]
		r.owners[name] = next
		next.addOwnedName(name)
	}
	return NameReleased
}

// ReleaseAll releases every name conn owns or is queued for, as part of
// disconnecting it. It returns the list of well-known names whose owner
// changed as a result, for NameOwnerChanged broadcasting.
func (r *Registry) ReleaseAll(conn *Connection) []string {
	var changed []string
	for name := range conn.OwnedNames() {
		r.ReleaseName(conn, name)
		changed = append(changed, name)
	}
	for name, q := range r.queues {
		filtered := q[:0:0]
		for _, c := range q {
			if c != conn {
				filtered = append(filtered, c)
			}
		}
		r.queues[name] = filtered
	}
	return changed
}

// ListNames returns every currently owned well-known name plus every
// connected connection's unique name.
func (r *Registry) ListNames(conns []*Connection) []string {
	names := make([]string, 0, len(r.owners)+len(conns))
	for name := range r.owners {
		names = append(names, name)
	}
	for _, c := range conns {
		if c.IsActive() {
			names = append(names, c.UniqueName())
		}
	}
	return names
}
