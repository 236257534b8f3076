package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenesisHash is the prev_hash of the first entry for any subject.
var GenesisHash = strings.Repeat("0", 64)

// Digest returns the hex-encoded SHA-256 of the payload bytes.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EntryHash computes the chained hash for an entry. The field separator keeps
// the preimage unambiguous; none of the inputs may contain '|' except the
// payload digest and hashes, which are hex.
func EntryHash(seq int64, subjectID, action, actor, payloadDigest, prevHash string) string {
	preimage := fmt.Sprintf("%d|%s|%s|%s|%s|%s", seq, subjectID, action, actor, payloadDigest, prevHash)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// Recompute walks entries in stored order and reports the first sequence
// number whose stored digest, link or hash does not match the recomputation.
// Entries must already be sorted by Seq ascending, as returned by the
// repository.
func Recompute(entries []Entry) Verification {
	prev := GenesisHash
	for i, e := range entries {
		broken := e.Seq
		if e.Seq != int64(i+1) {
			return Verification{Entries: len(entries), BrokenAt: &broken}
		}
		if e.PrevHash != prev {
			return Verification{Entries: len(entries), BrokenAt: &broken}
		}
		if Digest(e.Payload) != e.PayloadDigest {
			return Verification{Entries: len(entries), BrokenAt: &broken}
		}
		if EntryHash(e.Seq, e.SubjectID, e.Action, e.Actor, e.PayloadDigest, e.PrevHash) != e.Hash {
			return Verification{Entries: len(entries), BrokenAt: &broken}
		}
		prev = e.Hash
	}
	return Verification{Valid: true, Entries: len(entries)}
}
