package netsync

import (
	"time"

	"netsync.dev/core/crypto"
	"netsync.dev/core/keystore"
	"netsync.dev/core/policy"
	"netsync.dev/core/refine"
	"netsync.dev/core/store"
	"netsync.dev/core/transfer"
	"netsync.dev/core/wire"
)

// refinedCategories is the fixed set of categories refined by spec.md
// §4.2's four concurrent refiners. File content (store.CategoryFile) is
// never refined directly; it rides along with revision transfer (§4.4).
var refinedCategories = []store.Category{
	store.CategoryEpoch,
	store.CategoryKey,
	store.CategoryCert,
	store.CategoryRevision,
}

// Config bundles the external collaborators (spec.md §6.3) a Session needs.
type Config struct {
	Crypto   crypto.Provider
	Keystore *keystore.Keystore
	Policy   policy.Policy
	Store    *store.Store

	MinVersion, MaxVersion uint8

	// OwnKeyName names this side's key in Keystore; server voice uses it
	// to fill Hello's server_key_name/server_pubkey fields.
	OwnKeyName string
}

// Session drives one peer relationship through spec.md §4.2's state
// machine. It owns a send/recv Codec pair, one Refiner per refined
// category, and a transfer.Engine; it exposes only frame-in/frames-out
// methods and is otherwise free of socket or polling concerns (reactor/
// supplies those).
type Session struct {
	cfg   Config
	Voice Voice
	State State

	SendCodec *wire.Codec
	RecvCodec *wire.Codec

	OwnKeyID    [20]byte
	OwnHasKey   bool
	PeerKeyID   [20]byte
	Authed      bool
	Role        Role
	Include     string
	Exclude     string
	serverNonce [20]byte

	Version uint8

	refiners    map[store.Category]*refine.Refiner
	doneSent    map[store.Category]bool
	doneRecv    map[store.Category]bool
	sendQueue   map[store.Category][][20]byte
	filesQueued bool

	// excludedBranches holds every branch name this session has stopped
	// transferring after an epoch mismatch (see noteEpochReceived).
	excludedBranches map[string]bool

	engine *transfer.Engine

	clientAuth ClientAuth
	ownMaterial []byte

	byeSent byePhase
	byeRecv byePhase

	LastIO time.Time

	BytesIn, BytesOut   uint64
	ItemsSent, ItemsRecv map[store.Category]uint64

	lastErr *ProtocolError
}

func newSession(cfg Config, voice Voice) *Session {
	isGreeter := IsGreeterCommand
	s := &Session{
		cfg:         cfg,
		Voice:       voice,
		State:       StateGreeted,
		SendCodec:   wire.NewCodec(cfg.MinVersion, cfg.MaxVersion, isGreeter, cfg.Crypto.HMAC),
		RecvCodec:   wire.NewCodec(cfg.MinVersion, cfg.MaxVersion, isGreeter, cfg.Crypto.HMAC),
		refiners:         make(map[store.Category]*refine.Refiner),
		doneSent:         make(map[store.Category]bool),
		doneRecv:         make(map[store.Category]bool),
		sendQueue:        make(map[store.Category][][20]byte),
		excludedBranches: make(map[string]bool),
		engine:           transfer.NewEngine(cfg.Store, cfg.Crypto, cfg.Keystore.PubkeyOf),
		LastIO:           time.Time{},
		ItemsSent:        make(map[store.Category]uint64),
		ItemsRecv:        make(map[store.Category]uint64),
	}
	s.SendCodec.IsValidCommand = IsValidCommand
	s.RecvCodec.IsValidCommand = IsValidCommand
	return s
}

// NewServerSession returns a session in the Greeted state, voice server;
// call Greet to obtain the Hello frame to send.
func NewServerSession(cfg Config) *Session {
	return newSession(cfg, VoiceServer)
}

// ClientAuth carries the client-side choice of identity and patterns used
// once Hello arrives (voice client only).
type ClientAuth struct {
	Role      Role
	Include   string
	Exclude   string
	OwnKeyID  [20]byte
	Anonymous bool // true: send Anonymous instead of Auth
}

// NewClientSession returns a session in the Greeted state, voice client,
// waiting to receive the server's Hello. ca fixes the identity and role
// the client presents once Hello arrives.
func NewClientSession(cfg Config, ca ClientAuth) *Session {
	s := newSession(cfg, VoiceClient)
	s.clientAuth = ca
	s.Role = ca.Role
	s.Include = ca.Include
	s.Exclude = ca.Exclude
	return s
}

func (s *Session) buildOrGetRefiner(cat store.Category) (*refine.Refiner, error) {
	if r, ok := s.refiners[cat]; ok {
		return r, nil
	}
	ids, err := s.scopedIDs(cat)
	if err != nil {
		return nil, err
	}
	r := refine.New(func(b []byte) [20]byte { return [20]byte(s.cfg.Crypto.Hash(b)) }, ids)
	s.refiners[cat] = r
	return r, nil
}

// refinementComplete reports whether every refined category has both sent
// and received its Done frame (spec.md §4.2: "A side is 'refinement-
// complete' when it has sent Done for all four categories and received
// Done for all four").
func (s *Session) refinementComplete() bool {
	for _, cat := range refinedCategories {
		if !s.doneSent[cat] || !s.doneRecv[cat] {
			return false
		}
	}
	return true
}

func (s *Session) sendQueueEmpty() bool {
	for _, cat := range refinedCategories {
		if len(s.sendQueue[cat]) > 0 {
			return false
		}
	}
	return len(s.sendQueue[store.CategoryFile]) == 0
}

// enqueueRevisionFollowups queues every currently-stored file/manifest/
// roster blob for transmission the first time any revision is queued for
// send in this session. The sync core's revision records are opaque blobs
// here (no edge-list parser exists at this layer); spec.md §4.4 explicitly
// allows the sender discretion in how it follows up a revision with file
// content, and duplicate sends are harmless no-ops on the receiving side
// (§9 Open Question 2), so flushing the whole local file set is a
// conservative stand-in for walking a revision's parsed edges. It is still
// gated on the session's negotiated branches, though: if those exclude
// every local revision, no file content is queued either, rather than
// handing over file content for branches the peer never asked for.
func (s *Session) enqueueRevisionFollowups() error {
	if s.filesQueued {
		return nil
	}
	s.filesQueued = true
	permitted, err := s.scopedIDs(store.CategoryRevision)
	if err != nil {
		return err
	}
	if len(permitted) == 0 {
		return nil
	}
	ids, err := s.cfg.Store.AllIDs(store.CategoryFile)
	if err != nil {
		return err
	}
	s.sendQueue[store.CategoryFile] = append(s.sendQueue[store.CategoryFile], ids...)
	return nil
}

// DrainSendQueue pops and encodes as many queued Data/Delta frames as the
// engine's back-pressure soft cap allows (spec.md §4.4 "Back-pressure").
func (s *Session) DrainSendQueue() ([]wire.Frame, error) {
	var out []wire.Frame
	for _, cat := range append(append([]store.Category{}, refinedCategories...), store.CategoryFile) {
		for len(s.sendQueue[cat]) > 0 {
			if s.engine.OverSoftCap() {
				return out, nil
			}
			id := s.sendQueue[cat][0]
			s.sendQueue[cat] = s.sendQueue[cat][1:]

			if cat == store.CategoryRevision {
				if err := s.enqueueRevisionFollowups(); err != nil {
					return out, err
				}
			}

			if dp, ok, err := s.engine.PrepareDelta(cat, id); err != nil {
				return out, err
			} else if ok {
				enc := dp.Encode()
				s.engine.AddQueued(len(enc))
				out = append(out, wire.Frame{Version: s.Version, Command: CmdDelta, Payload: enc})
				s.ItemsSent[cat]++
				continue
			}
			dp, err := s.engine.PrepareData(cat, id)
			if err != nil {
				return out, err
			}
			enc := dp.Encode()
			s.engine.AddQueued(len(enc))
			out = append(out, wire.Frame{Version: s.Version, Command: CmdData, Payload: enc})
			s.ItemsSent[cat]++
		}
	}
	return out, nil
}

// NoteFlushed records n bytes drained from the outbound socket buffer,
// releasing them from the engine's back-pressure accounting.
func (s *Session) NoteFlushed(n int) { s.engine.DrainQueued(n) }

// Armed reports whether this session has outbound work ready without
// further input (spec.md §4.6 "armed if ... outbound bytes queued").
func (s *Session) Armed() bool {
	if s.State != StateWorking {
		return false
	}
	for _, cat := range refinedCategories {
		if len(s.sendQueue[cat]) > 0 {
			return true
		}
	}
	return len(s.sendQueue[store.CategoryFile]) > 0
}

// Failed reports the terminal protocol error, if the session entered
// StateError.
func (s *Session) Failed() *ProtocolError { return s.lastErr }

func (s *Session) fail(pe *ProtocolError) ([]wire.Frame, error) {
	s.State = StateError
	s.lastErr = pe
	return []wire.Frame{{Version: s.Version, Command: CmdError, Payload: EncodeErrorPayload(pe.Error())}}, pe
}
