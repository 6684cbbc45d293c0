package refine

// MsgKind distinguishes the two message shapes carried inside Refine frames
// (spec.md §4.3).
type MsgKind uint8

const (
	MsgQuery    MsgKind = 0
	MsgResponse MsgKind = 1
)

// Msg is one Refine-frame payload for a single category.
type Msg struct {
	Kind MsgKind
	Node *Node
}

// Refiner runs one category's set-reconciliation state machine for one
// session direction. Both sides of a session run an independent Refiner
// instance; only the side that opens with Query(root) is distinguished at
// construction (Start), everything after that is symmetric message passing
// (spec.md §4.3).
type Refiner struct {
	hash Hasher

	local   *Node
	localID map[[20]byte]bool
	peerHas map[[20]byte]bool

	inFlight int
	doneSent bool
}

// New builds a Refiner over the local item set ids.
func New(hash Hasher, ids [][20]byte) *Refiner {
	localID := make(map[[20]byte]bool, len(ids))
	for _, id := range ids {
		localID[id] = true
	}
	return &Refiner{
		hash:    hash,
		local:   Build(hash, ids),
		localID: localID,
		peerHas: make(map[[20]byte]bool),
	}
}

// Start returns the initial Query(root) a client-role refiner sends, and
// arms the in-flight counter so the session never prematurely believes
// refinement is complete.
func (r *Refiner) Start() Msg {
	r.inFlight++
	return Msg{Kind: MsgQuery, Node: r.local}
}

// Process handles one incoming Refine-frame message and returns zero or
// more outgoing messages to send in reply (spec.md §4.3's per-slot action
// table). It also updates the queries-in-flight counter: +1 per Query this
// side emits, -1 when a Response is received.
func (r *Refiner) Process(in Msg) []Msg {
	var out []Msg

	localNode := lookupLocal(r.local, in.Node.Prefix)
	childLevel := in.Node.Level + 1

	for i := 0; i < 16; i++ {
		peerSlot := in.Node.Slots[i]
		var localSlot Slot
		if localNode != nil {
			localSlot = localNode.Slots[i]
		}

		switch {
		case peerSlot.State == SlotEmpty:
			// Nothing to learn or do; our local slot state needs no peer
			// action regardless of what it is.

		case peerSlot.State == SlotLeaf && localSlot.State == SlotSubtree:
			// Asymmetric rule: tell the peer what else is in our subtree.
			r.peerHas[peerSlot.ID] = true
			out = append(out, Msg{Kind: MsgQuery, Node: localSlot.Child})
			r.inFlight++

		case peerSlot.State == SlotLeaf:
			// Peer has a leaf we either lack or also hold as a leaf.
			r.peerHas[peerSlot.ID] = true

		case peerSlot.State == SlotSubtree && localSlot.State == SlotLeaf:
			// Asymmetric rule: synthesize a minimal query one level deeper
			// containing our single leaf, since a bare Response would not
			// itself drive further exploration on the peer's side.
			synth := syntheticLeafQuery(childLevel, in.Node.Prefix, byte(i), localSlot.ID)
			out = append(out, Msg{Kind: MsgQuery, Node: synth})
			r.inFlight++

		case peerSlot.State == SlotSubtree && localSlot.State == SlotSubtree:
			if peerSlot.ID == localSlot.ID {
				// Identical subtree hash: every id under ours is, by
				// construction, already known to the peer.
				var ids [][20]byte
				collectIDs(localSlot.Child, &ids)
				for _, id := range ids {
					r.peerHas[id] = true
				}
			} else {
				out = append(out, Msg{Kind: MsgQuery, Node: localSlot.Child})
				r.inFlight++
			}

		case peerSlot.State == SlotSubtree:
			// Peer has a subtree where we have nothing at all: nothing we
			// can usefully query (we have no content to compare), but we
			// still owe the peer a chance to learn we're empty here via
			// the Response below.
		}
	}

	if in.Kind == MsgQuery {
		resp := localNode
		if resp == nil {
			resp = emptyNodeAt(in.Node.Level, in.Node.Prefix)
		}
		out = append(out, Msg{Kind: MsgResponse, Node: resp})
	} else {
		r.inFlight--
	}

	return out
}

// Finished reports whether this refiner's queries-in-flight counter has
// dropped to zero, meaning refinement is complete on this side and the
// send-set may be computed (spec.md §4.3).
func (r *Refiner) Finished() bool {
	return r.inFlight == 0
}

// SendSet returns local \ peerHas: the ids this side must transmit once
// refinement has concluded.
func (r *Refiner) SendSet() [][20]byte {
	out := make([][20]byte, 0, len(r.localID))
	for id := range r.localID {
		if !r.peerHas[id] {
			out = append(out, id)
		}
	}
	return out
}

// MarkDoneSent records that this side has emitted its Done frame, so the
// higher-level session layer does not emit it twice.
func (r *Refiner) MarkDoneSent() { r.doneSent = true }

// DoneSent reports whether MarkDoneSent has been called.
func (r *Refiner) DoneSent() bool { return r.doneSent }

// NotePeerHas records an id the peer is independently known to already
// have (e.g. from a late "has" claim arriving after the send-set was
// already computed; spec.md §9 notes the reference sends it anyway and the
// receiver no-ops the duplicate).
func (r *Refiner) NotePeerHas(id [20]byte) {
	r.peerHas[id] = true
}
