package emrsync

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/careops/emrsync/internal/emr"
)

// Classification is the conflict detector's verdict for one entity pair.
type Classification string

const (
	// ClassPush: local-only entity, create remotely.
	ClassPush Classification = "push"
	// ClassPull: remote-only entity, create locally.
	ClassPull Classification = "pull"
	// ClassNoop: payloads are identical, nothing to do.
	ClassNoop Classification = "noop"
	// ClassLocalNewer: only the local side changed since the last common
	// sync point; apply local to remote.
	ClassLocalNewer Classification = "local-newer"
	// ClassRemoteNewer: only the remote side changed since the last common
	// sync point; apply remote to local.
	ClassRemoteNewer Classification = "remote-newer"
	// ClassConflict: both sides changed since the last common sync point.
	// Requires an explicit resolution decision.
	ClassConflict Classification = "conflict"
)

// Classify compares a local and remote version of the same entity against
// their last common sync point. Either side may be nil (absent). Timestamp
// comparison alone never auto-resolves a double-edit: when both sides moved
// past the checkpoint the pair is conflicting regardless of which timestamp
// is newer.
func Classify(local, remote interface{}, localModified, remoteModified, checkpoint time.Time) Classification {
	if isNil(remote) {
		return ClassPush
	}
	if isNil(local) {
		return ClassPull
	}
	if payloadEqual(local, remote) {
		return ClassNoop
	}

	localChanged := localModified.After(checkpoint)
	remoteChanged := remoteModified.After(checkpoint)

	switch {
	case localChanged && !remoteChanged:
		return ClassLocalNewer
	case remoteChanged && !localChanged:
		return ClassRemoteNewer
	default:
		// Both changed past the checkpoint, or the payloads diverged with no
		// ordering evidence at all (clock skew, missing timestamps). Either
		// way there is no safe automatic winner.
		return ClassConflict
	}
}

// payloadEqual compares the domain payloads of two entity versions by
// canonical JSON, ignoring sync bookkeeping (modification timestamps and
// source tags).
func payloadEqual(a, b interface{}) bool {
	return bytes.Equal(canonicalPayload(a), canonicalPayload(b))
}

// canonicalPayload marshals an entity and strips fields that differ between
// sides without representing a domain change.
func canonicalPayload(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	delete(m, "lastModified")
	delete(m, "externalId")
	out, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return out
}

func isNil(v interface{}) bool {
	switch e := v.(type) {
	case nil:
		return true
	case *emr.Patient:
		return e == nil
	case *emr.MedicalRecord:
		return e == nil
	}
	return false
}
