package session

import (
	"sort"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// registry is the authoritative local cache of remote participants.
// It never contains the local client's own entry. Not safe for
// concurrent use; the Manager's lock guards it.
type registry struct {
	peers map[string]protocol.Peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]protocol.Peer)}
}

// applySnapshot replaces the registry wholesale from a full presence
// snapshot, skipping the local client. Applying the same snapshot
// twice yields the same registry.
func (r *registry) applySnapshot(selfID string, users []protocol.Peer) {
	clear(r.peers)
	for _, u := range users {
		if u.ID == "" || u.ID == selfID {
			continue
		}
		r.peers[u.ID] = u
	}
}

// add inserts a peer unless it is the local client.
func (r *registry) add(selfID string, p protocol.Peer) bool {
	if p.ID == "" || p.ID == selfID {
		return false
	}
	r.peers[p.ID] = p
	return true
}

// remove deletes a peer by id. Removing an absent id is a valid no-op:
// a leave may arrive after a snapshot already dropped the entry.
func (r *registry) remove(id string) (protocol.Peer, bool) {
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return p, ok
}

// setView updates a peer's view in place. Unknown ids are a no-op; a
// view change may arrive before its join has propagated.
func (r *registry) setView(id string, v protocol.View) (protocol.Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return protocol.Peer{}, false
	}
	p.View = v
	r.peers[id] = p
	return p, true
}

// snapshot returns a sorted copy of all peers.
func (r *registry) snapshot() []protocol.Peer {
	out := make([]protocol.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// gmView returns the view of the first peer holding the GM role. The
// server keeps GM unique; if multiples slip through, first-found wins.
func (r *registry) gmView() (protocol.View, bool) {
	for _, p := range r.snapshot() {
		if p.Role == protocol.RoleGM {
			return p.View, true
		}
	}
	return "", false
}

// PlayerView pairs a player's display name with their current UI mode.
type PlayerView struct {
	Name string
	View protocol.View
}

// playerViews maps player id to name and view for every non-GM peer.
func (r *registry) playerViews() map[string]PlayerView {
	out := make(map[string]PlayerView, len(r.peers))
	for id, p := range r.peers {
		if p.Role != protocol.RolePlayer {
			continue
		}
		out[id] = PlayerView{Name: p.Name, View: p.View}
	}
	return out
}
