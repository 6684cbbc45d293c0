package netsync

import (
	"errors"
	"time"

	"netsync.dev/core/refine"
	"netsync.dev/core/store"
	"netsync.dev/core/transfer"
	"netsync.dev/core/wire"
)

// classifyTransferError picks the §7 error code a receive-side transfer
// failure should be reported under: a dedicated code for an unknown cert
// signer (already distinguished inside transfer.Engine), CodeNoTransfer for
// everything else (hash mismatch, malformed cert, bad signature).
func classifyTransferError(err error) *ProtocolError {
	if errors.Is(err, transfer.ErrUnknownSigner) {
		return NewProtocolError(CodeUnknownKey, err.Error())
	}
	return NewProtocolError(CodeNoTransfer, err.Error())
}

// HandleFrame routes one decoded inbound frame to the handler for the
// current state, replacing node/p2p/peer.go's Peer.Run switch with a
// table keyed by (state, command). It returns the frames that should be
// sent in reply (possibly none) and an error if the session must close.
func (s *Session) HandleFrame(f wire.Frame) ([]wire.Frame, error) {
	s.LastIO = time.Now()

	if f.Command == CmdError {
		msg, derr := DecodeErrorPayload(f.Payload)
		if derr != nil {
			msg = "malformed Error payload"
		}
		code, _ := ParseErrorCode(msg)
		s.State = StateError
		s.lastErr = NewProtocolError(code, msg)
		return nil, s.lastErr
	}

	switch s.State {
	case StateGreeted:
		return s.dispatchGreeted(f)
	case StateAuthenticating:
		return s.dispatchAuthenticating(f)
	case StateWorking:
		return s.dispatchWorking(f)
	case StateShutdown:
		return s.dispatchShutdown(f)
	default:
		return s.fail(NewProtocolError(CodeBadCommand, "frame received after session ended"))
	}
}

func (s *Session) dispatchGreeted(f wire.Frame) ([]wire.Frame, error) {
	if s.Voice == VoiceClient && f.Command == CmdHello {
		return s.handleHello(f)
	}
	return s.fail(NewProtocolError(CodeBadCommand, "unexpected frame before Hello"))
}

func (s *Session) dispatchAuthenticating(f wire.Frame) ([]wire.Frame, error) {
	switch {
	case s.Voice == VoiceServer && f.Command == CmdAnonymous:
		return s.handleAnonymous(f)
	case s.Voice == VoiceServer && f.Command == CmdAuth:
		return s.handleAuth(f)
	case s.Voice == VoiceClient && f.Command == CmdConfirm:
		return s.handleConfirm(f)
	default:
		return s.fail(NewProtocolError(CodeBadCommand, "unexpected frame during authentication"))
	}
}

func (s *Session) dispatchWorking(f wire.Frame) ([]wire.Frame, error) {
	switch f.Command {
	case CmdRefine:
		return s.handleRefine(f)
	case CmdDone:
		return s.handleDone(f)
	case CmdData:
		return s.handleData(f)
	case CmdDelta:
		return s.handleDelta(f)
	case CmdBye:
		return s.handleBye(f)
	default:
		return s.fail(NewProtocolError(CodeBadCommand, "unexpected frame during working phase"))
	}
}

func (s *Session) dispatchShutdown(f wire.Frame) ([]wire.Frame, error) {
	if f.Command != CmdBye {
		return s.fail(NewProtocolError(CodeBadCommand, "expected Bye during shutdown"))
	}
	return s.handleBye(f)
}

func categoryFromByte(b uint8) (store.Category, bool) {
	cat := store.Category(b)
	switch cat {
	case store.CategoryRevision, store.CategoryFile, store.CategoryCert, store.CategoryKey, store.CategoryEpoch:
		return cat, true
	default:
		return 0, false
	}
}

func (s *Session) handleRefine(f wire.Frame) ([]wire.Frame, error) {
	kind, catByte, node, _, err := refine.DecodeNodeBlob(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Refine payload"))
	}
	cat, ok := categoryFromByte(catByte)
	if !ok || cat == store.CategoryFile {
		return s.fail(NewProtocolError(CodeBadCommand, "Refine for non-refined category"))
	}
	r, err := s.buildOrGetRefiner(cat)
	if err != nil {
		return nil, err
	}
	msgs := r.Process(refine.Msg{Kind: kind, Node: node})
	out := make([]wire.Frame, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, wire.Frame{
			Version: s.Version, Command: CmdRefine,
			Payload: refine.EncodeNodeBlob(nil, m.Kind, catByte, m.Node),
		})
	}
	more, err := s.maybeFinishRefiner(cat, r)
	if err != nil {
		return out, err
	}
	out = append(out, more...)
	return out, nil
}

// maybeFinishRefiner emits Done and queues the send-set the first time r's
// in-flight counter reaches zero (spec.md §4.3 "When the client's
// queries-in-flight hits zero, refinement for that category is finished").
func (s *Session) maybeFinishRefiner(cat store.Category, r *refine.Refiner) ([]wire.Frame, error) {
	if !r.Finished() || r.DoneSent() {
		return nil, nil
	}
	r.MarkDoneSent()
	sendSet := s.filterExcludedBranches(cat, r.SendSet())
	s.sendQueue[cat] = append(s.sendQueue[cat], sendSet...)
	dp := DonePayload{Category: uint8(cat), NItems: uint64(len(sendSet))}
	s.doneSent[cat] = true
	return []wire.Frame{{Version: s.Version, Command: CmdDone, Payload: dp.Encode()}}, nil
}

func (s *Session) handleDone(f wire.Frame) ([]wire.Frame, error) {
	dp, err := DecodeDonePayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Done payload"))
	}
	cat, ok := categoryFromByte(dp.Category)
	if !ok || cat == store.CategoryFile {
		return s.fail(NewProtocolError(CodeBadCommand, "Done for non-refined category"))
	}
	s.doneRecv[cat] = true

	var out []wire.Frame
	// spec.md §4.3: "The server responds to any Done(category, n) with
	// its own Done(category, m) and frees the refiner's memory."
	if s.Voice == VoiceServer && !s.doneSent[cat] {
		r, err := s.buildOrGetRefiner(cat)
		if err != nil {
			return nil, err
		}
		more, err := s.maybeFinishRefiner(cat, r)
		if err != nil {
			return out, err
		}
		out = append(out, more...)
	}
	delete(s.refiners, cat)

	if s.Voice == VoiceClient && s.refinementComplete() && s.sendQueueEmpty() {
		return append(out, s.sendBye0()), nil
	}
	return out, nil
}

func (s *Session) handleData(f wire.Frame) ([]wire.Frame, error) {
	p, err := transfer.DecodeDataPayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Data payload"))
	}
	if err := s.engineReceiveData(p); err != nil {
		return s.fail(classifyTransferError(err))
	}
	cat, _ := categoryFromByte(p.Category)
	if cat == store.CategoryEpoch {
		if err := s.noteEpochReceived(p.ID); err != nil {
			return nil, err
		}
	}
	s.ItemsRecv[cat]++
	if r, ok := s.refiners[cat]; ok {
		r.NotePeerHas(p.ID)
	}
	return s.maybeShutdown()
}

func (s *Session) handleDelta(f wire.Frame) ([]wire.Frame, error) {
	p, err := transfer.DecodeDeltaPayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Delta payload"))
	}
	if err := s.engineReceiveDelta(p); err != nil {
		return s.fail(classifyTransferError(err))
	}
	cat, _ := categoryFromByte(p.Category)
	if cat == store.CategoryEpoch {
		if err := s.noteEpochReceived(p.NewID); err != nil {
			return nil, err
		}
	}
	s.ItemsRecv[cat]++
	if r, ok := s.refiners[cat]; ok {
		r.NotePeerHas(p.NewID)
	}
	return s.maybeShutdown()
}

func (s *Session) maybeShutdown() ([]wire.Frame, error) {
	if s.State == StateWorking && s.Voice == VoiceClient && s.refinementComplete() && s.sendQueueEmpty() {
		return []wire.Frame{s.sendBye0()}, nil
	}
	return nil, nil
}

// CheckIdle re-evaluates whether this session should open the shutdown
// handshake now that the reactor has drained the send queue (spec.md §4.2:
// the client sends Bye(0) once refinement and every queued transfer are
// done). The reactor calls this after each DrainSendQueue that empties the
// queue, since finishing a drain is not itself a received frame and so
// never reaches HandleFrame. Safe to call repeatedly; a no-op once Bye(0)
// has already moved the session out of Working.
func (s *Session) CheckIdle() ([]wire.Frame, error) {
	return s.maybeShutdown()
}

func (s *Session) engineReceiveData(p transfer.DataPayload) error   { return s.engine.ReceiveData(p) }
func (s *Session) engineReceiveDelta(p transfer.DeltaPayload) error { return s.engine.ReceiveDelta(p) }

// sendBye0 is the client's opening shutdown move (spec.md §4.2 "Client,
// upon finishing all work, sends Bye(0) and enters Shutdown").
func (s *Session) sendBye0() wire.Frame {
	s.State = StateShutdown
	s.byeSent = byePhaseSent0
	bp := ByePayload{Phase: 0}
	return wire.Frame{Version: s.Version, Command: CmdBye, Payload: bp.Encode()}
}

// handleBye implements the three-phase shutdown handshake (spec.md §4.2).
// Any Bye received in the wrong phase is BadCommand, including the
// documented Bye(2)-skipping-Bye(1) case (spec.md §9 Open Question 1).
func (s *Session) handleBye(f wire.Frame) ([]wire.Frame, error) {
	bp, err := DecodeByePayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Bye payload"))
	}
	switch {
	case s.Voice == VoiceServer && bp.Phase == 0 && s.byeRecv == byePhaseNone:
		// "having drained its own outgoing queue, commits" (spec.md
		// §4.2): the commit itself is the reactor's transaction guard,
		// released once this session's batch of work is folded in.
		s.byeRecv = byePhaseSent0
		s.State = StateShutdown
		s.byeSent = byePhaseSent1
		out := ByePayload{Phase: 1}
		return []wire.Frame{{Version: s.Version, Command: CmdBye, Payload: out.Encode()}}, nil

	case s.Voice == VoiceClient && bp.Phase == 1 && s.byeSent == byePhaseSent0:
		s.byeSent = byePhaseSent2
		s.State = StateConfirmed
		out := ByePayload{Phase: 2}
		return []wire.Frame{{Version: s.Version, Command: CmdBye, Payload: out.Encode()}}, nil

	case s.Voice == VoiceServer && bp.Phase == 2 && s.byeSent == byePhaseSent1:
		s.byeRecv = byePhaseSent2
		s.State = StateConfirmed
		return nil, nil

	default:
		return s.fail(NewProtocolError(CodeBadCommand, "Bye received in wrong phase"))
	}
}
