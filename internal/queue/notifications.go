package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/time/rate"

	logx "gridq/pkg/logx"
)

// Sender delivers a wakeup datagram. Fire-and-forget; errors are logged by
// implementations, never propagated into queue operations.
type Sender interface {
	Send(host string, port uint16, payload []byte)
}

// PreferenceView is the capability the notification list needs from the
// client registry. The queue wires it at construction and calls into the
// list only while holding the operation lock, so the two components never
// take locks in opposite orders.
type PreferenceView interface {
	PreferredAffinities(node string, group CommandGroup) *roaring.Bitmap
	IsPreferredByAny(affID uint32, group CommandGroup) bool
}

// WaitRequest registers a client waiting for a job to become available.
type WaitRequest struct {
	Client   ClientID
	Port     uint16
	Deadline PreciseTime
	Group    CommandGroup

	AnyAffinity          bool
	WnodeAffinity        bool
	ExclusiveNewAffinity bool

	// Explicit affinity/group filters, already resolved to ids.
	AffinityIDs *roaring.Bitmap
	GroupIDs    *roaring.Bitmap
}

type waitListener struct {
	WaitRequest
	host string
}

// NotifyConfig tunes the periodic notification pass.
type NotifyConfig struct {
	// HifreqInterval is the cadence of the periodic pass while any job is
	// pending.
	HifreqInterval time.Duration
	// LofreqMultiplier stretches the cadence once nothing is pending.
	LofreqMultiplier int
	// Handicap delays repeat wakeups to the same listener.
	Handicap time.Duration
	// RatePerSec caps outgoing datagrams.
	RatePerSec int
}

func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		HifreqInterval:   100 * time.Millisecond,
		LofreqMultiplier: 50,
		Handicap:         0,
		RatePerSec:       1000,
	}
}

// NotificationList tracks clients blocked in a wait-for-job call and wakes
// them when matching work appears. It owns no lock: the queue operation
// lock guards every call, and the actual sends go through a rate-limited
// fire-and-forget sender.
type NotificationList struct {
	queueName string
	sender    Sender
	prefs     PreferenceView
	log       logx.Logger

	cfg     NotifyConfig
	limiter *rate.Limiter

	// Keyed by node; a node can wait on get and read at the same time.
	listeners [2]map[string]*waitListener

	// Periodic-pass throttle state. These are instance fields on purpose:
	// the throttle is per queue, not per process.
	tick         uint64
	lastNotified [2]map[string]PreciseTime
}

func NewNotificationList(queueName string, sender Sender, log logx.Logger) *NotificationList {
	n := &NotificationList{
		queueName: queueName,
		sender:    sender,
		log:       log,
		cfg:       DefaultNotifyConfig(),
	}
	for g := range n.listeners {
		n.listeners[g] = map[string]*waitListener{}
		n.lastNotified[g] = map[string]PreciseTime{}
	}
	n.limiter = rate.NewLimiter(rate.Limit(n.cfg.RatePerSec), n.cfg.RatePerSec)
	return n
}

func (n *NotificationList) SetPreferences(v PreferenceView) { n.prefs = v }

func (n *NotificationList) Configure(cfg NotifyConfig) {
	if cfg.HifreqInterval <= 0 {
		cfg.HifreqInterval = 100 * time.Millisecond
	}
	if cfg.LofreqMultiplier <= 0 {
		cfg.LofreqMultiplier = 50
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1000
	}
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// RegisterWait replaces any previous registration of the node for the same
// command group.
func (n *NotificationList) RegisterWait(req WaitRequest) {
	if req.Client.IsEmpty() || req.Port == 0 {
		return
	}
	if req.AffinityIDs == nil {
		req.AffinityIDs = emptyBitmap
	}
	if req.GroupIDs == nil {
		req.GroupIDs = emptyBitmap
	}
	n.listeners[req.Group][req.Client.Node] = &waitListener{WaitRequest: req, host: req.Client.IP}
}

func (n *NotificationList) CancelWait(id ClientID, group CommandGroup) bool {
	if _, ok := n.listeners[group][id.Node]; !ok {
		return false
	}
	delete(n.listeners[group], id.Node)
	delete(n.lastNotified[group], id.Node)
	return true
}

// UnregisterClient implements WaitCanceler for the client registry purge.
func (n *NotificationList) UnregisterClient(node string) {
	for g := range n.listeners {
		delete(n.listeners[g], node)
		delete(n.lastNotified[g], node)
	}
}

// matches applies the listener's affinity and group filters to a job.
func (n *NotificationList) matches(l *waitListener, affID, groupID uint32) bool {
	if !l.GroupIDs.IsEmpty() && (groupID == 0 || !l.GroupIDs.Contains(groupID)) {
		return false
	}
	if l.AnyAffinity {
		return true
	}
	if affID != 0 && l.AffinityIDs.Contains(affID) {
		return true
	}
	if l.WnodeAffinity && n.prefs != nil &&
		affID != 0 && n.prefs.PreferredAffinities(l.Client.Node, l.Group).Contains(affID) {
		return true
	}
	if l.ExclusiveNewAffinity && n.prefs != nil &&
		(affID == 0 || !n.prefs.IsPreferredByAny(affID, l.Group)) {
		return true
	}
	return false
}

// OnJobAvailable wakes listeners whose filters match a job that just became
// dispatchable (submit, return, cancel-to-read, timeout back to pending).
func (n *NotificationList) OnJobAvailable(group CommandGroup, affID, groupID uint32, now PreciseTime) {
	for _, l := range n.listeners[group] {
		if now.After(l.Deadline) {
			continue
		}
		if !n.matches(l, affID, groupID) {
			continue
		}
		if n.cfg.Handicap > 0 {
			if last, ok := n.lastNotified[group][l.Client.Node]; ok && now.Sub(last) < n.cfg.Handicap {
				continue
			}
		}
		n.lastNotified[group][l.Client.Node] = now
		n.send(l, group)
	}
}

// OnQueueResumed tells every waiting worker the pause has been lifted.
func (n *NotificationList) OnQueueResumed(now PreciseTime) {
	for g := range n.listeners {
		group := CommandGroup(g)
		for _, l := range n.listeners[g] {
			if now.After(l.Deadline) {
				continue
			}
			n.send(l, group)
		}
	}
}

// CheckTimeout drops listeners whose wait deadline has passed.
func (n *NotificationList) CheckTimeout(now PreciseTime) {
	for g := range n.listeners {
		for node, l := range n.listeners[g] {
			if now.After(l.Deadline) {
				delete(n.listeners[g], node)
				delete(n.lastNotified[g], node)
			}
		}
	}
}

// NotifyPeriodically is the background pass: high frequency while work is
// pending, stretched by LofreqMultiplier otherwise. Expired registrations
// are dropped either way.
func (n *NotificationList) NotifyPeriodically(now PreciseTime, anyPending bool) {
	n.tick++
	n.CheckTimeout(now)
	if !anyPending && n.tick%uint64(n.cfg.LofreqMultiplier) != 0 {
		return
	}
	for node, l := range n.listeners[GroupGet] {
		if n.cfg.Handicap > 0 {
			if last, ok := n.lastNotified[GroupGet][node]; ok && now.Sub(last) < n.cfg.Handicap {
				continue
			}
		}
		n.lastNotified[GroupGet][node] = now
		n.send(l, GroupGet)
	}
}

// ClearExactNotifications resets the repeat-wakeup memory once the pending
// set drains, so the next submit starts a fresh high-frequency phase.
func (n *NotificationList) ClearExactNotifications() {
	n.lastNotified[GroupGet] = map[string]PreciseTime{}
}

func (n *NotificationList) send(l *waitListener, group CommandGroup) {
	if n.sender == nil || !n.limiter.Allow() {
		return
	}
	payload := fmt.Sprintf("reason=%s&queue=%s&ns_node=%s", group.String(), n.queueName, l.Client.Node)
	n.sender.Send(l.host, l.Port, []byte(payload))
	if !n.log.IsZero() {
		n.log.Debug("wakeup sent",
			logx.String("node", l.Client.Node),
			logx.String("reason", group.String()),
			logx.Int("port", int(l.Port)))
	}
}

// NotifyJobChanges sends a job-specific notice to a per-job listener or a
// submitter (status change, deletion, stolen listener).
func (n *NotificationList) NotifyJobChanges(host string, port uint16, jobKey string, status Status, reason string) {
	if n.sender == nil || host == "" || port == 0 {
		return
	}
	if !n.limiter.Allow() {
		return
	}
	payload := fmt.Sprintf("job_key=%s&job_status=%s&reason=%s&queue=%s",
		jobKey, status.String(), reason, n.queueName)
	n.sender.Send(host, port, []byte(payload))
}

// WaitSnapshot lists current registrations for admin output.
type WaitSnapshot struct {
	Node     string
	Host     string
	Port     uint16
	Group    string
	Deadline PreciseTime
}

func (n *NotificationList) Snapshot() []WaitSnapshot {
	var out []WaitSnapshot
	for g := range n.listeners {
		for _, l := range n.listeners[g] {
			out = append(out, WaitSnapshot{
				Node:     l.Client.Node,
				Host:     l.host,
				Port:     l.Port,
				Group:    CommandGroup(g).String(),
				Deadline: l.Deadline,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
