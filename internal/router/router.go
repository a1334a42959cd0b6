// Package router implements the monitor's session table, request
// forwarding, subscriptions, and admin command dispatch (spec.md §4.7),
// plus the capability-model and health-summary supplements described in
// SPEC_FULL.md §12.
//
// Grounded on Monitor.h's handle_forward/forward_request_leader/
// check_subs/_allowed_command family (original_source) for semantics, and
// etcdserver/api/etcdhttp's small handler-per-verb HTTP admin surface for
// the Go idiom (net/http + encoding/json, no gRPC — see DESIGN.md).
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monerr"
	"github.com/hyc/ceph/internal/montrait"
	"github.com/hyc/ceph/internal/wire"
)

// forwardTimeout bounds how long a one-shot caller with no open session
// (the admin HTTP surface, the inter-monitor Command relay) blocks waiting
// for the leader's reply to a forwarded write command.
const forwardTimeout = 3 * time.Second

// Caps is a parsed `allow r|rw|x` capability grant, per SPEC_FULL.md §12.
type Caps struct {
	Read    bool
	Write   bool
	Execute bool
}

// ParseCaps parses a capability string like "allow rw" or "allow r, allow x".
func ParseCaps(s string) Caps {
	var c Caps
	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimPrefix(clause, "allow")
		clause = strings.TrimSpace(clause)
		for _, r := range clause {
			switch r {
			case 'r':
				c.Read = true
			case 'w':
				c.Write = true
			case 'x':
				c.Execute = true
			}
		}
	}
	return c
}

// Subscription is one client's standing interest in a topic's commits.
type Subscription struct {
	Topic        string
	StartVersion uint64
	OneTime      bool
}

// Session is one client connection's router-visible state.
type Session struct {
	ID      string
	Caps    Caps
	Subs    map[string]Subscription
	replyFn func(typ wire.Type, payload any)
}

// routedEntry tracks one in-flight forwarded request awaiting the leader's
// reply, per spec.md §4.7's "Forwarding" rule.
type routedEntry struct {
	tid       uint64
	sessionID string
	fromPeer  int
}

// CommandHandler dispatches one admin command's argv to its target
// (a service, or the monitor itself) and returns an exit code, reason kind
// string, and textual output.
type CommandHandler func(argv []string) (rc int, kind, reason, output string)

// Router owns the session table and the command dispatch table.
type Router struct {
	lg    *zap.Logger
	trait montrait.Trait

	mu        sync.Mutex
	sessions  map[string]*Session
	nextTid   uint64
	routed    map[uint64]routedEntry
	waiters   map[uint64]chan wire.CommandReplyPayload
	commands  map[string]CommandHandler
	bootHints *btree.BTree
}

type hintItem string

func (h hintItem) Less(o btree.Item) bool { return h < o.(hintItem) }

// New builds an empty Router bound to trait.
func New(lg *zap.Logger, trait montrait.Trait) *Router {
	r := &Router{
		lg:        lg,
		trait:     trait,
		sessions:  map[string]*Session{},
		routed:    map[uint64]routedEntry{},
		waiters:   map[uint64]chan wire.CommandReplyPayload{},
		commands:  map[string]CommandHandler{},
		bootHints: btree.New(16),
	}
	r.commands["mon_status"] = r.cmdMonStatus
	r.commands["quorum_status"] = r.cmdQuorumStatus
	r.commands["add_bootstrap_peer_hint"] = r.cmdAddBootstrapHint
	r.commands["health"] = r.cmdHealth
	r.commands["stop_cluster"] = r.cmdStopCluster
	return r
}

// RegisterService wires a per-service passthrough command, e.g. "osdmap
// dump" routes to the osdmap service's own handler, per spec.md §4.7's
// "dispatched to the target service."
func (r *Router) RegisterService(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = handler
}

// RegisterCommand wires an arbitrary monitor-level admin command (health,
// stop_cluster, ...).
func (r *Router) RegisterCommand(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = handler
}

// OpenSession registers a new client connection.
func (r *Router) OpenSession(id string, caps Caps, reply func(typ wire.Type, payload any)) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{ID: id, Caps: caps, Subs: map[string]Subscription{}, replyFn: reply}
	r.sessions[id] = s
	return s
}

// CloseSession drops the session and any routed entries awaiting it, per
// spec.md §4.7: "On session loss, routed entries are dropped."
func (r *Router) CloseSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	for tid, e := range r.routed {
		if e.sessionID == id {
			delete(r.routed, tid)
		}
	}
}

// ForwardToLeader wraps a mutating client request and sends it to the
// leader, per spec.md §4.7's peon-side forwarding path.
func (r *Router) ForwardToLeader(leaderRank int, sessionID string, requestBytes []byte) uint64 {
	r.mu.Lock()
	r.nextTid++
	tid := r.nextTid
	r.routed[tid] = routedEntry{tid: tid, sessionID: sessionID}
	myRank := r.trait.Rank()
	r.mu.Unlock()

	r.trait.Send(leaderRank, wire.TypeForward, wire.ForwardPayload{
		Tid:          tid,
		ClientInst:   sessionID,
		RequestBytes: requestBytes,
		FromPeerRank: myRank,
	})
	return tid
}

// ForwardCommandToLeader is ForwardToLeader for a caller with no open
// session — the one-shot admin HTTP surface and the inter-monitor Command
// relay — blocking until the leader's reply arrives or forwardTimeout
// elapses, per spec.md §4.7's Forwarding rule.
func (r *Router) ForwardCommandToLeader(leaderRank int, argv []string) (wire.CommandReplyPayload, error) {
	body, err := json.Marshal(wire.CommandPayload{Argv: argv})
	if err != nil {
		return wire.CommandReplyPayload{}, fmt.Errorf("marshal forwarded command: %w", err)
	}

	r.mu.Lock()
	r.nextTid++
	tid := r.nextTid
	ch := make(chan wire.CommandReplyPayload, 1)
	r.waiters[tid] = ch
	myRank := r.trait.Rank()
	r.mu.Unlock()

	r.trait.Send(leaderRank, wire.TypeForward, wire.ForwardPayload{
		Tid:          tid,
		RequestBytes: body,
		FromPeerRank: myRank,
	})

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(forwardTimeout):
		r.mu.Lock()
		delete(r.waiters, tid)
		r.mu.Unlock()
		return wire.CommandReplyPayload{}, fmt.Errorf("%w: leader rank %d did not reply within %s", monerr.ErrNetworkUnreachable, leaderRank, forwardTimeout)
	}
}

// HandleForward is the leader-side receipt of a peon's forwarded request;
// process is supplied by the caller (internal/mon), since only it knows how
// to turn request bytes into a command/service call.
func (r *Router) HandleForward(fromPeerRank int, in wire.ForwardPayload, process func([]byte) []byte) {
	reply := process(in.RequestBytes)
	r.trait.Send(fromPeerRank, wire.TypeRoute, wire.RoutePayload{Tid: in.Tid, ReplyBytes: reply})
}

// HandleRoute is the peon-side receipt of the leader's reply to a
// previously forwarded request; it relays to the original client session.
func (r *Router) HandleRoute(in wire.RoutePayload) {
	r.mu.Lock()
	if ch, ok := r.waiters[in.Tid]; ok {
		delete(r.waiters, in.Tid)
		r.mu.Unlock()
		var reply wire.CommandReplyPayload
		if err := json.Unmarshal(in.ReplyBytes, &reply); err != nil {
			reply = wire.CommandReplyPayload{RC: 1, Kind: monerr.KindCommandUnknown.String(), Reason: "malformed leader reply"}
		}
		ch <- reply
		return
	}
	entry, ok := r.routed[in.Tid]
	if ok {
		delete(r.routed, in.Tid)
	}
	var sess *Session
	if ok {
		sess = r.sessions[entry.sessionID]
	}
	r.mu.Unlock()
	if sess == nil {
		return // session lost, routed entry already dropped per spec.md §4.7.
	}
	sess.replyFn(wire.TypeRoute, in)
}

// Subscribe records sessionID's interest in topic, per spec.md §4.7.
func (r *Router) Subscribe(sessionID string, in wire.SubscribePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.Subs[in.Topic] = Subscription{Topic: in.Topic, StartVersion: in.StartVersion, OneTime: in.WantOnetime}
}

// NotifyCommit walks every session's subscriptions for topic and delivers
// entries from each subscriber's start_version, unsubscribing one-shot
// subscriptions after delivery, per spec.md §4.7.
func (r *Router) NotifyCommit(topic string, version uint64, entry []byte) {
	r.mu.Lock()
	type delivery struct {
		sess *Session
		sub  Subscription
	}
	var targets []delivery
	for _, sess := range r.sessions {
		sub, ok := sess.Subs[topic]
		if !ok || version < sub.StartVersion {
			continue
		}
		targets = append(targets, delivery{sess: sess, sub: sub})
		if sub.OneTime {
			delete(sess.Subs, topic)
		}
	}
	r.mu.Unlock()

	for _, d := range targets {
		d.sess.replyFn(wire.TypeCommandReply, map[string]any{
			"topic":   topic,
			"version": version,
			"entry":   entry,
		})
	}
}

// Dispatch inspects argv[0]'s capability requirement against caps and
// routes to the matching handler, per spec.md §4.7 and the capability
// model in SPEC_FULL.md §12. A write command issued while this peer is not
// leader blocks briefly to forward the request to the leader, returning
// NotLeader only if the leader cannot be reached within forwardTimeout.
func (r *Router) Dispatch(caps Caps, argv []string) wire.CommandReplyPayload {
	return r.dispatch("", caps, argv)
}

// DispatchSession is Dispatch for a caller with an open session: a write
// command issued against a peon is relayed to the leader asynchronously via
// ForwardToLeader instead of blocking, and the reply arrives later through
// the session's own reply channel when HandleRoute delivers it.
func (r *Router) DispatchSession(sessionID string, caps Caps, argv []string) wire.CommandReplyPayload {
	return r.dispatch(sessionID, caps, argv)
}

func (r *Router) dispatch(sessionID string, caps Caps, argv []string) wire.CommandReplyPayload {
	if len(argv) == 0 {
		return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindCommandUnknown.String(), Reason: "empty command"}
	}
	if !caps.Read {
		return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindAuthDenied.String(), Reason: "no read capability"}
	}
	r.mu.Lock()
	handler, ok := r.commands[argv[0]]
	r.mu.Unlock()
	if !ok {
		return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindCommandUnknown.String(), Reason: fmt.Sprintf("unknown command %q", argv[0])}
	}
	if requiresWrite(argv) {
		if !caps.Write {
			return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindAuthDenied.String(), Reason: "no write capability"}
		}
		if leaderRank, isLeader := r.trait.Leadership(); !isLeader {
			return r.forwardWrite(sessionID, leaderRank, argv)
		}
	}
	rc, kind, reason, output := handler(argv)
	return wire.CommandReplyPayload{RC: rc, Kind: kind, Reason: reason, Output: output}
}

// forwardWrite redirects a write command to the leader, per spec.md §4.7's
// peon-side forwarding path and §7's NotLeader kind when the leader cannot
// be reached.
func (r *Router) forwardWrite(sessionID string, leaderRank int, argv []string) wire.CommandReplyPayload {
	if sessionID != "" {
		body, err := json.Marshal(wire.CommandPayload{Argv: argv})
		if err != nil {
			return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindCommandUnknown.String(), Reason: err.Error()}
		}
		r.ForwardToLeader(leaderRank, sessionID, body)
		return wire.CommandReplyPayload{RC: 0, Output: fmt.Sprintf("forwarded to leader rank %d", leaderRank)}
	}
	reply, err := r.ForwardCommandToLeader(leaderRank, argv)
	if err != nil {
		return wire.CommandReplyPayload{RC: 1, Kind: monerr.KindNotLeader.String(), Reason: fmt.Sprintf("not leader (leader is rank %d): %v", leaderRank, err)}
	}
	return reply
}

func requiresWrite(argv []string) bool {
	switch argv[0] {
	case "add_bootstrap_peer_hint", "stop_cluster":
		return true
	default:
		return len(argv) > 1 && (argv[1] == "set" || argv[1] == "rm")
	}
}

func (r *Router) cmdMonStatus(argv []string) (int, string, string, string) {
	mm := r.trait.Monmap()
	uptime := time.Since(r.trait.Started()).Round(time.Second)
	out := fmt.Sprintf("name=%s rank=%d epoch=%d size=%d uptime=%s started=%s",
		r.trait.Name(), r.trait.Rank(), mm.Epoch, mm.Size(), uptime, humanize.Time(r.trait.Started()))
	return 0, "", "", out
}

func (r *Router) cmdQuorumStatus(argv []string) (int, string, string, string) {
	mm := r.trait.Monmap()
	return 0, "", "", fmt.Sprintf("monmap_epoch=%d majority=%d", mm.Epoch, mm.Majority())
}

// cmdHealth reports HEALTH_OK|HEALTH_WARN|HEALTH_ERR from the currently
// formed quorum size against monmap size, per SPEC_FULL.md §12.
func (r *Router) cmdHealth(argv []string) (int, string, string, string) {
	summary := HealthSummary(r.trait.QuorumSize(), r.trait.Monmap().Size())
	return 0, "", "", summary
}

// cmdStopCluster cleanly ends the event loop: in-flight election/sync
// timers are not cancelled, but any that fire afterwards are never
// actioned because the loop has exited, and the store and transport are
// released through the same shutdown path a ctx cancel would take, per
// SPEC_FULL.md §12's graceful-shutdown command.
func (r *Router) cmdStopCluster(argv []string) (int, string, string, string) {
	r.trait.Stop()
	return 0, "", "", "stopping"
}

func (r *Router) cmdAddBootstrapHint(argv []string) (int, string, string, string) {
	if len(argv) < 2 {
		return 1, monerr.KindConfigInvalid.String(), "usage: add_bootstrap_peer_hint <addr>", ""
	}
	r.mu.Lock()
	r.bootHints.ReplaceOrInsert(hintItem(argv[1]))
	hints := r.sortedHintsLocked()
	r.mu.Unlock()
	r.lg.Info("bootstrap hint added", zap.String("addr", argv[1]))
	return 0, "", "", strings.Join(hints, ",")
}

func (r *Router) sortedHintsLocked() []string {
	out := make([]string, 0, r.bootHints.Len())
	r.bootHints.Ascend(func(i btree.Item) bool {
		out = append(out, string(i.(hintItem)))
		return true
	})
	sort.Strings(out)
	return out
}

// BootstrapHints returns every hint added via add_bootstrap_peer_hint,
// sorted. Nothing passes these hints to internal/probe, so they are not
// probed.
func (r *Router) BootstrapHints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedHintsLocked()
}

// HealthSummary reports HEALTH_OK|HEALTH_WARN|HEALTH_ERR from quorum size
// vs. monmap size, per SPEC_FULL.md §12's health-summary supplement.
func HealthSummary(quorumSize, monmapSize int) string {
	switch {
	case quorumSize >= monmapSize:
		return "HEALTH_OK"
	case quorumSize >= monmapSize/2+1:
		return "HEALTH_WARN"
	default:
		return "HEALTH_ERR"
	}
}
