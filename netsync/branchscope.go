package netsync

import (
	"netsync.dev/core/policy"
	"netsync.dev/core/store"
	"netsync.dev/core/transfer"
)

// scopedIDs returns the ids of cat this session may refine or transfer
// under its negotiated include/exclude branch patterns (spec.md §3, §6.3:
// "set_of_ids_matching(category, pattern)" is explicitly parameterized).
// Policy.PickBranchesFor and the policy.BranchFilter glob machinery, built
// but previously never called from here, now gate every branch-scoped
// category instead of only the one-shot handshake permission check.
//
// Revisions and certs are scoped by the "branch" certs already in the
// store (original_source/netcmd.cc computes branch membership from cert
// values before deciding what is in scope); a revision with no branch cert
// at all rides along unscoped, since nothing asserts a branch for it to be
// filtered against. Keys are not branch-scoped in this protocol and always
// span the whole store.
func (s *Session) scopedIDs(cat store.Category) ([][20]byte, error) {
	known, permitted, err := s.branchSets()
	if err != nil {
		return nil, err
	}
	switch cat {
	case store.CategoryEpoch:
		return s.scopedEpochIDs(known, permitted)
	case store.CategoryRevision:
		rs, err := s.computeRevisionScope(permitted)
		if err != nil {
			return nil, err
		}
		return s.scopedRevisionIDs(rs)
	case store.CategoryCert:
		rs, err := s.computeRevisionScope(permitted)
		if err != nil {
			return nil, err
		}
		return s.scopedCertIDs(rs)
	default:
		return s.cfg.Store.AllIDs(cat)
	}
}

// branchSets resolves both every branch name known locally (from "branch"
// certs already in the store) and the subset this session may sync:
// Policy.PickBranchesFor(s.Include) is consulted first; a nil result
// defers to evaluating s.Include/s.Exclude directly against the known
// branch names (spec.md §6.3: "default implementations return allow" for
// PickBranchesFor, leaving the glob as the real decision-maker). Branches
// excluded by an epoch mismatch earlier in this session never come back.
func (s *Session) branchSets() (known, permitted []string, err error) {
	known, err = s.knownBranchNames()
	if err != nil {
		return nil, nil, err
	}

	var raw []string
	if names := s.cfg.Policy.PickBranchesFor(s.Include); names != nil {
		raw = names
	} else {
		filter, ferr := policy.NewBranchFilter(s.Include, s.Exclude)
		if ferr != nil {
			return nil, nil, ferr
		}
		for _, b := range known {
			if filter.Match(b) {
				raw = append(raw, b)
			}
		}
	}

	for _, b := range raw {
		if !s.excludedBranches[b] {
			permitted = append(permitted, b)
		}
	}
	return known, permitted, nil
}

// knownBranchNames scans every stored cert for "branch" certs and returns
// the distinct branch names they name. A malformed cert is skipped rather
// than aborting branch discovery for the whole session.
func (s *Session) knownBranchNames() ([]string, error) {
	ids, err := s.cfg.Store.AllIDs(store.CategoryCert)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		blob, err := s.cfg.Store.Get(store.CategoryCert, id)
		if err != nil {
			return nil, err
		}
		c, err := transfer.DecodeCertRecord(blob)
		if err != nil || c.Name != "branch" {
			continue
		}
		name := string(c.Value)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// revisionScope records, for every revision that carries at least one
// "branch" cert, whether that cert names a permitted branch.
type revisionScope struct {
	branched  map[[20]byte]bool
	permitted map[[20]byte]bool
}

// includesRevision reports whether id should be treated as in scope: either
// it has no branch cert at all (nothing to filter against) or one of its
// branch certs names a permitted branch.
func (rs *revisionScope) includesRevision(id [20]byte) bool {
	return !rs.branched[id] || rs.permitted[id]
}

func (s *Session) computeRevisionScope(permittedBranches []string) (*revisionScope, error) {
	allow := make(map[string]bool, len(permittedBranches))
	for _, b := range permittedBranches {
		allow[b] = true
	}
	rs := &revisionScope{branched: make(map[[20]byte]bool), permitted: make(map[[20]byte]bool)}

	ids, err := s.cfg.Store.AllIDs(store.CategoryCert)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		blob, err := s.cfg.Store.Get(store.CategoryCert, id)
		if err != nil {
			return nil, err
		}
		c, err := transfer.DecodeCertRecord(blob)
		if err != nil || c.Name != "branch" {
			continue
		}
		rs.branched[c.RevisionID] = true
		if allow[string(c.Value)] {
			rs.permitted[c.RevisionID] = true
		}
	}
	return rs, nil
}

func (s *Session) scopedRevisionIDs(rs *revisionScope) ([][20]byte, error) {
	all, err := s.cfg.Store.AllIDs(store.CategoryRevision)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, id := range all {
		if rs.includesRevision(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Session) scopedCertIDs(rs *revisionScope) ([][20]byte, error) {
	all, err := s.cfg.Store.AllIDs(store.CategoryCert)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, id := range all {
		blob, err := s.cfg.Store.Get(store.CategoryCert, id)
		if err != nil {
			return nil, err
		}
		c, err := transfer.DecodeCertRecord(blob)
		if err != nil {
			continue
		}
		if rs.includesRevision(c.RevisionID) {
			out = append(out, id)
		}
	}
	return out, nil
}

// scopedEpochIDs restricts the epoch category to the permitted branches. If
// no branch certs exist anywhere in the store, epoch names can't be
// resolved to a branch at all, so the category rides along unscoped, the
// same rule scopedRevisionIDs applies to an uncertified revision.
func (s *Session) scopedEpochIDs(known, permitted []string) ([][20]byte, error) {
	all, err := s.cfg.Store.AllIDs(store.CategoryEpoch)
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return all, nil
	}
	allow := make(map[string]bool, len(permitted))
	for _, b := range permitted {
		allow[b] = true
	}
	out := all[:0:0]
	for _, id := range all {
		blob, err := s.cfg.Store.Get(store.CategoryEpoch, id)
		if err != nil {
			return nil, err
		}
		rec, err := transfer.DecodeEpochRecord(blob)
		if err != nil {
			continue
		}
		if allow[rec.Branch] {
			out = append(out, id)
		}
	}
	return out, nil
}

// filterExcludedBranches drops ids belonging to a branch already excluded
// by noteEpochReceived from a set about to be queued for send. Only
// revision and cert ids carry branch identity; other categories pass
// through untouched.
func (s *Session) filterExcludedBranches(cat store.Category, ids [][20]byte) [][20]byte {
	if len(s.excludedBranches) == 0 || (cat != store.CategoryRevision && cat != store.CategoryCert) {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !s.itemBranchExcluded(cat, id) {
			out = append(out, id)
		}
	}
	return out
}

// itemBranchExcluded reports whether id (a revision or cert) names, or
// belongs to a revision that names, an excluded branch.
func (s *Session) itemBranchExcluded(cat store.Category, id [20]byte) bool {
	revID := id
	if cat == store.CategoryCert {
		blob, err := s.cfg.Store.Get(store.CategoryCert, id)
		if err != nil {
			return false
		}
		c, err := transfer.DecodeCertRecord(blob)
		if err != nil {
			return false
		}
		if c.Name == "branch" && s.excludedBranches[string(c.Value)] {
			return true
		}
		revID = c.RevisionID
	}

	certIDs, err := s.cfg.Store.AllIDs(store.CategoryCert)
	if err != nil {
		return false
	}
	for _, cid := range certIDs {
		blob, err := s.cfg.Store.Get(store.CategoryCert, cid)
		if err != nil {
			continue
		}
		c, err := transfer.DecodeCertRecord(blob)
		if err != nil || c.Name != "branch" || c.RevisionID != revID {
			continue
		}
		if s.excludedBranches[string(c.Value)] {
			return true
		}
	}
	return false
}

// noteEpochReceived implements "Epoch refusal on mismatch"
// (original_source/epoch.cc, network.cc): once id's epoch record is stored,
// check whether the store now holds another epoch id for the same branch
// name. If so, the peer's epoch for that branch disagrees with the one
// already held locally, and the branch is excluded from the rest of this
// session's transfer. This is not a fatal session error: spec.md §4.2 names
// no error code for it, so the exclusion is silent and scoped to the
// branch, matching how "no transfer occurred" (code 212) is scoped to an
// item rather than the session elsewhere in this protocol.
func (s *Session) noteEpochReceived(id [20]byte) error {
	blob, err := s.cfg.Store.Get(store.CategoryEpoch, id)
	if err != nil {
		return err
	}
	rec, err := transfer.DecodeEpochRecord(blob)
	if err != nil {
		return nil
	}
	others, err := s.cfg.Store.SetOfIDsMatching(store.CategoryEpoch, []byte(rec.Branch))
	if err != nil {
		return err
	}
	for _, other := range others {
		if other != id {
			s.excludedBranches[rec.Branch] = true
			return nil
		}
	}
	return nil
}
