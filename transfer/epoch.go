package transfer

import "fmt"

// EpochRecord is the epoch category's blob content (spec.md §3): a branch
// name paired with the random value identifying that branch's current
// epoch. Epoch is refined as its own category precisely so a disagreement
// can be caught before any revision data for the branch flows
// (original_source/epoch.cc, network.cc).
type EpochRecord struct {
	Branch string
	Value  [20]byte
}

// Encode lays the branch name down as a literal byte prefix followed by the
// fixed-width epoch value, so store.SetOfIDsMatching's plain byte-prefix
// scan can select a branch's epoch item without decoding every blob.
func (e EpochRecord) Encode() []byte {
	b := make([]byte, 0, len(e.Branch)+20)
	b = append(b, e.Branch...)
	b = append(b, e.Value[:]...)
	return b
}

func DecodeEpochRecord(b []byte) (EpochRecord, error) {
	if len(b) < 20 {
		return EpochRecord{}, fmt.Errorf("transfer: DecodeEpochRecord: blob too short")
	}
	var rec EpochRecord
	rec.Branch = string(b[:len(b)-20])
	copy(rec.Value[:], b[len(b)-20:])
	return rec, nil
}
