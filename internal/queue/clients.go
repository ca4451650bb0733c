package queue

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
)

// ClientRole is a bitmask of the roles a client has exercised.
type ClientRole uint8

const (
	RoleSubmitter ClientRole = 1 << iota
	RoleWorkerNode
	RoleReader
	RoleAdmin
)

const RoleUnknown ClientRole = 0

func (r ClientRole) Has(role ClientRole) bool { return r&role != 0 }

func (r ClientRole) String() string {
	switch {
	case r.Has(RoleAdmin):
		return "admin"
	case r.Has(RoleWorkerNode):
		return "worker_node"
	case r.Has(RoleReader):
		return "reader"
	case r.Has(RoleSubmitter):
		return "submitter"
	default:
		return "unknown"
	}
}

// Client is one connected peer keyed by node identity. Sessions come and
// go; a session change invalidates every grant the old session held.
type Client struct {
	ID      uint32
	Node    string
	Session string
	IP      string

	Registered PreciseTime
	LastSeen   PreciseTime
	Roles      ClientRole

	Data        string
	DataVersion int

	// Per command group state.
	preferred [2]*roaring.Bitmap          // affinity ids
	blacklist [2]map[uint32]PreciseTime   // job id -> ban expiry
	granted   [2]*roaring.Bitmap          // outstanding job grants

	// GarbageCollected is raised when the record returns after a purge
	// removed it while a worker still believed it was registered.
	GarbageCollected bool
	// AffinityReset is raised when a purge dropped the preferred affinity
	// set out from under a live worker.
	AffinityReset bool
}

func newClient(ordinal uint32, id ClientID, now PreciseTime) *Client {
	session := id.Session
	if session == "" {
		session = uuid.NewString()
	}
	c := &Client{
		ID:         ordinal,
		Node:       id.Node,
		Session:    session,
		IP:         id.IP,
		Registered: now,
		LastSeen:   now,
	}
	for g := range c.preferred {
		c.preferred[g] = roaring.New()
		c.blacklist[g] = map[uint32]PreciseTime{}
		c.granted[g] = roaring.New()
	}
	return c
}

// TouchResult reports what a registration refresh invalidated.
type TouchResult struct {
	SessionChanged bool
	// Jobs the old session held; the queue resets them.
	RunningReset []uint32
	ReadingReset []uint32
}

// WaitCanceler is the capability the client registry needs from the
// notification list: dropping wait registrations of purged clients. The
// queue wires it at construction and invokes both sides under the
// operation lock, preserving the lock ordering invariant.
type WaitCanceler interface {
	UnregisterClient(node string)
}

// ClientPurgeConfig drives the periodic stale-client purge: per-role idle
// timeouts and minimum population floors.
type ClientPurgeConfig struct {
	WorkerNodeTimeout time.Duration
	ReaderTimeout     time.Duration
	SubmitterTimeout  time.Duration
	AdminTimeout      time.Duration
	UnknownTimeout    time.Duration

	MinWorkerNodes int
	MinReaders     int
	MinSubmitters  int
	MinAdmins      int
	MinUnknowns    int
}

func DefaultClientPurgeConfig() ClientPurgeConfig {
	return ClientPurgeConfig{
		WorkerNodeTimeout: time.Hour,
		ReaderTimeout:     10 * time.Minute,
		SubmitterTimeout:  10 * time.Minute,
		AdminTimeout:      10 * time.Minute,
		UnknownTimeout:    10 * time.Minute,
		MinWorkerNodes:    50,
		MinReaders:        20,
		MinSubmitters:     20,
		MinAdmins:         10,
		MinUnknowns:       20,
	}
}

// ClientRegistry tracks connected clients. It owns no lock of its own: the
// queue operation lock guards every call.
type ClientRegistry struct {
	clients map[string]*Client
	nextID  uint32

	// Union of preferred affinity ids across clients, with reference
	// counts so removal keeps the union exact.
	prefUnion [2]*roaring.Bitmap
	prefCount [2]map[uint32]int

	// Nodes removed by the purge while possibly still referenced.
	tombstones map[string]struct{}

	waits WaitCanceler
}

func NewClientRegistry() *ClientRegistry {
	r := &ClientRegistry{
		clients:    map[string]*Client{},
		nextID:     1,
		tombstones: map[string]struct{}{},
	}
	for g := range r.prefUnion {
		r.prefUnion[g] = roaring.New()
		r.prefCount[g] = map[uint32]int{}
	}
	return r
}

// SetWaitCanceler wires the notification-list capability (DI; see Queue).
func (r *ClientRegistry) SetWaitCanceler(w WaitCanceler) { r.waits = w }

// Touch refreshes (or creates) the record for an identity and detects a
// session reset. Grants held by the replaced session are returned for the
// queue to roll back.
func (r *ClientRegistry) Touch(id ClientID, now PreciseTime) TouchResult {
	var res TouchResult
	if id.IsEmpty() {
		return res
	}

	c, ok := r.clients[id.Node]
	if !ok {
		c = newClient(r.nextID, id, now)
		r.nextID++
		r.clients[id.Node] = c
		if _, dead := r.tombstones[id.Node]; dead {
			delete(r.tombstones, id.Node)
			c.GarbageCollected = true
		}
		return res
	}

	c.LastSeen = now
	if id.IP != "" {
		c.IP = id.IP
	}
	if id.Session != "" && id.Session != c.Session {
		res.SessionChanged = true
		res.RunningReset = c.granted[GroupGet].ToArray()
		res.ReadingReset = c.granted[GroupRead].ToArray()
		c.granted[GroupGet].Clear()
		c.granted[GroupRead].Clear()
		r.dropPreferred(c, GroupGet)
		r.dropPreferred(c, GroupRead)
		c.Session = id.Session
	}
	return res
}

func (r *ClientRegistry) MarkRole(id ClientID, role ClientRole) {
	if c, ok := r.clients[id.Node]; ok {
		c.Roles |= role
	}
}

func (r *ClientRegistry) Get(node string) *Client {
	return r.clients[node]
}

// ConsumeGarbageCollected reports and clears the "came back after purge"
// flag; dispatch refuses the first call after a resurrection so the worker
// re-registers its preferences.
func (r *ClientRegistry) ConsumeGarbageCollected(node string) bool {
	c, ok := r.clients[node]
	if !ok || !c.GarbageCollected {
		return false
	}
	c.GarbageCollected = false
	return true
}

// ConsumeAffinityReset reports and clears the preferred-affinity reset flag.
func (r *ClientRegistry) ConsumeAffinityReset(node string) bool {
	c, ok := r.clients[node]
	if !ok || !c.AffinityReset {
		return false
	}
	c.AffinityReset = false
	return true
}

// ---- grants ----

func (r *ClientRegistry) RegisterJob(id ClientID, jobID uint32, group CommandGroup) {
	if c, ok := r.clients[id.Node]; ok {
		c.granted[group].Add(jobID)
	}
}

func (r *ClientRegistry) UnregisterJob(id ClientID, jobID uint32, group CommandGroup) {
	if c, ok := r.clients[id.Node]; ok {
		c.granted[group].Remove(jobID)
	}
}

func (r *ClientRegistry) unregisterJobByNode(node string, jobID uint32, group CommandGroup) {
	if c, ok := r.clients[node]; ok {
		c.granted[group].Remove(jobID)
	}
}

// MoveJobToBlacklist drops the grant and bans the pairing until expiry.
// A zero ban duration only drops the grant.
func (r *ClientRegistry) MoveJobToBlacklist(id ClientID, jobID uint32, group CommandGroup, until PreciseTime) {
	c, ok := r.clients[id.Node]
	if !ok {
		return
	}
	c.granted[group].Remove(jobID)
	if !until.IsZero() {
		c.blacklist[group][jobID] = until
	}
}

// RegisterBlacklistedJob bans a pairing without touching grants.
func (r *ClientRegistry) RegisterBlacklistedJob(id ClientID, jobID uint32, group CommandGroup, until PreciseTime) {
	c, ok := r.clients[id.Node]
	if !ok || until.IsZero() {
		return
	}
	c.blacklist[group][jobID] = until
}

// BlacklistedJobs returns the client's currently active bans as a fresh
// bitset, pruning expired entries on the way.
func (r *ClientRegistry) BlacklistedJobs(id ClientID, group CommandGroup, now PreciseTime) *roaring.Bitmap {
	out := roaring.New()
	c, ok := r.clients[id.Node]
	if !ok {
		return out
	}
	for jobID, until := range c.blacklist[group] {
		if until.Before(now) {
			delete(c.blacklist[group], jobID)
			continue
		}
		out.Add(jobID)
	}
	return out
}

// ForgetBlacklistedJob removes a ban for a deleted job from every client.
func (r *ClientRegistry) ForgetBlacklistedJob(jobID uint32) {
	for _, c := range r.clients {
		delete(c.blacklist[GroupGet], jobID)
		delete(c.blacklist[GroupRead], jobID)
	}
}

// PurgeBlacklists drops expired bans across all clients; returns how many.
func (r *ClientRegistry) PurgeBlacklists(group CommandGroup, now PreciseTime) int {
	removed := 0
	for _, c := range r.clients {
		for jobID, until := range c.blacklist[group] {
			if until.Before(now) {
				delete(c.blacklist[group], jobID)
				removed++
			}
		}
	}
	return removed
}

// ---- preferred affinities ----

// PreferredAffinities returns the client's preference set (read-only), or
// an empty set for an unknown client.
func (r *ClientRegistry) PreferredAffinities(node string, group CommandGroup) *roaring.Bitmap {
	if c, ok := r.clients[node]; ok {
		return c.preferred[group]
	}
	return emptyBitmap
}

func (r *ClientRegistry) PreferredCount(node string, group CommandGroup) int {
	return int(r.PreferredAffinities(node, group).GetCardinality())
}

// IsPreferredByAny answers the exclusivity question: does any connected
// client currently prefer this affinity?
func (r *ClientRegistry) IsPreferredByAny(affID uint32, group CommandGroup) bool {
	return r.prefUnion[group].Contains(affID)
}

// AllPreferredAffinities is the union across clients. Read-only.
func (r *ClientRegistry) AllPreferredAffinities(group CommandGroup) *roaring.Bitmap {
	return r.prefUnion[group]
}

func (r *ClientRegistry) AddPreferredAffinity(id ClientID, group CommandGroup, affID uint32) {
	c, ok := r.clients[id.Node]
	if !ok || affID == 0 || c.preferred[group].Contains(affID) {
		return
	}
	c.preferred[group].Add(affID)
	r.prefCount[group][affID]++
	r.prefUnion[group].Add(affID)
}

func (r *ClientRegistry) RemovePreferredAffinity(id ClientID, group CommandGroup, affID uint32) {
	c, ok := r.clients[id.Node]
	if !ok || !c.preferred[group].Contains(affID) {
		return
	}
	c.preferred[group].Remove(affID)
	r.decPref(group, affID)
}

// SetPreferredAffinities replaces the whole preference set.
func (r *ClientRegistry) SetPreferredAffinities(id ClientID, group CommandGroup, affIDs *roaring.Bitmap) {
	c, ok := r.clients[id.Node]
	if !ok {
		return
	}
	r.dropPreferred(c, group)
	it := affIDs.Iterator()
	for it.HasNext() {
		affID := it.Next()
		c.preferred[group].Add(affID)
		r.prefCount[group][affID]++
		r.prefUnion[group].Add(affID)
	}
}

func (r *ClientRegistry) dropPreferred(c *Client, group CommandGroup) {
	it := c.preferred[group].Iterator()
	for it.HasNext() {
		r.decPref(group, it.Next())
	}
	c.preferred[group].Clear()
}

func (r *ClientRegistry) decPref(group CommandGroup, affID uint32) {
	n := r.prefCount[group][affID] - 1
	if n <= 0 {
		delete(r.prefCount[group], affID)
		r.prefUnion[group].Remove(affID)
		return
	}
	r.prefCount[group][affID] = n
}

// ---- client data ----

// SetClientData updates the opaque payload a client parks on its record.
// The version must match the current one; the new version is returned.
func (r *ClientRegistry) SetClientData(id ClientID, data string, version int) (int, bool) {
	c, ok := r.clients[id.Node]
	if !ok {
		return 0, false
	}
	if version != -1 && version != c.DataVersion {
		return c.DataVersion, false
	}
	c.Data = data
	c.DataVersion++
	return c.DataVersion, true
}

// ---- purge ----

func purgeParams(role ClientRole, cfg ClientPurgeConfig) (time.Duration, int) {
	switch {
	case role.Has(RoleAdmin):
		return cfg.AdminTimeout, cfg.MinAdmins
	case role.Has(RoleWorkerNode):
		return cfg.WorkerNodeTimeout, cfg.MinWorkerNodes
	case role.Has(RoleReader):
		return cfg.ReaderTimeout, cfg.MinReaders
	case role.Has(RoleSubmitter):
		return cfg.SubmitterTimeout, cfg.MinSubmitters
	default:
		return cfg.UnknownTimeout, cfg.MinUnknowns
	}
}

// Purge removes idle clients per role policy, leaving tombstones so a
// returning worker learns it was collected. Clients holding outstanding
// grants survive; clients with preferred affinities lose them and are
// flagged for reset instead of being removed outright when still live.
func (r *ClientRegistry) Purge(now PreciseTime, cfg ClientPurgeConfig) int {
	// Count population per role class first: floors protect against
	// purging everyone after a long quiet period.
	population := map[string]int{}
	for _, c := range r.clients {
		population[c.Roles.String()]++
	}

	var victims []*Client
	for _, c := range r.clients {
		timeout, floor := purgeParams(c.Roles, cfg)
		if timeout <= 0 {
			continue
		}
		if population[c.Roles.String()] <= floor {
			continue
		}
		if now.Sub(c.LastSeen) <= timeout {
			continue
		}
		if !c.granted[GroupGet].IsEmpty() || !c.granted[GroupRead].IsEmpty() {
			continue
		}
		victims = append(victims, c)
		population[c.Roles.String()]--
	}

	for _, c := range victims {
		r.dropPreferred(c, GroupGet)
		r.dropPreferred(c, GroupRead)
		if r.waits != nil {
			r.waits.UnregisterClient(c.Node)
		}
		delete(r.clients, c.Node)
		r.tombstones[c.Node] = struct{}{}
	}
	return len(victims)
}

// Stale returns nodes idle past their role timeout. Their wait
// registrations are dropped by the queue; their preferred affinities are
// released here so other workers can claim them, with the reset flag
// raised for when the node comes back.
func (r *ClientRegistry) Stale(now PreciseTime, cfg ClientPurgeConfig) []string {
	var out []string
	for node, c := range r.clients {
		timeout, _ := purgeParams(c.Roles, cfg)
		if timeout <= 0 || now.Sub(c.LastSeen) <= timeout {
			continue
		}
		if !c.preferred[GroupGet].IsEmpty() || !c.preferred[GroupRead].IsEmpty() {
			r.dropPreferred(c, GroupGet)
			r.dropPreferred(c, GroupRead)
			c.AffinityReset = true
		}
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// ClearClient handles an explicit worker-node clear: grants are returned
// for reset, preferences dropped.
func (r *ClientRegistry) ClearClient(id ClientID) TouchResult {
	var res TouchResult
	c, ok := r.clients[id.Node]
	if !ok {
		return res
	}
	res.RunningReset = c.granted[GroupGet].ToArray()
	res.ReadingReset = c.granted[GroupRead].ToArray()
	c.granted[GroupGet].Clear()
	c.granted[GroupRead].Clear()
	r.dropPreferred(c, GroupGet)
	r.dropPreferred(c, GroupRead)
	if r.waits != nil {
		r.waits.UnregisterClient(c.Node)
	}
	return res
}

// ClientSnapshot is an administrative listing row.
type ClientSnapshot struct {
	Node             string
	Session          string
	IP               string
	Role             string
	LastSeen         PreciseTime
	PreferredGet     uint64
	PreferredRead    uint64
	RunningJobs      uint64
	ReadingJobs      uint64
	BlacklistedGet   int
	BlacklistedRead  int
	GarbageCollected bool
}

func (r *ClientRegistry) Snapshot() []ClientSnapshot {
	out := make([]ClientSnapshot, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, ClientSnapshot{
			Node:             c.Node,
			Session:          c.Session,
			IP:               c.IP,
			Role:             c.Roles.String(),
			LastSeen:         c.LastSeen,
			PreferredGet:     c.preferred[GroupGet].GetCardinality(),
			PreferredRead:    c.preferred[GroupRead].GetCardinality(),
			RunningJobs:      c.granted[GroupGet].GetCardinality(),
			ReadingJobs:      c.granted[GroupRead].GetCardinality(),
			BlacklistedGet:   len(c.blacklist[GroupGet]),
			BlacklistedRead:  len(c.blacklist[GroupRead]),
			GarbageCollected: c.GarbageCollected,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

func (r *ClientRegistry) Size() int { return len(r.clients) }
