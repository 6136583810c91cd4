package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/krait-lang/krait/vm"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeCode serializes a code object tree to CBOR bytes. The code object
// is validated first; invalid code is never put on the wire.
func EncodeCode(c *vm.CodeObject) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("dist: encode %s: %w", c.Name, err)
	}
	return cborEncMode.Marshal(codeToWire(c))
}

// DecodeCode deserializes a code object tree from CBOR bytes. Payloads
// declaring a code version this build does not understand are rejected
// before anything else is interpreted, and the result is fully validated
// before it is returned.
func DecodeCode(data []byte) (*vm.CodeObject, error) {
	var w wireCode
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("dist: unmarshal code: %w", err)
	}
	if w.Version != vm.CodeVersion {
		return nil, fmt.Errorf("dist: code version %d not supported: %w", w.Version, vm.ErrMalformedCode)
	}
	c := wireToCode(&w)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("dist: decode %s: %w", c.Name, err)
	}
	return c, nil
}

// CodeToChunk encodes a code object into a chunk carrying its content hash.
func CodeToChunk(c *vm.CodeObject) (*CodeChunk, error) {
	payload, err := EncodeCode(c)
	if err != nil {
		return nil, err
	}
	return &CodeChunk{
		Hash:    vm.HashCode(c),
		Name:    c.Name,
		Payload: payload,
	}, nil
}

// VerifyChunk decodes a chunk's payload and verifies that the computed
// content hash matches the chunk's declared hash. Returns the decoded
// code object on success.
func VerifyChunk(ch *CodeChunk) (*vm.CodeObject, error) {
	c, err := DecodeCode(ch.Payload)
	if err != nil {
		return nil, err
	}
	computed := vm.HashCode(c)
	if computed != ch.Hash {
		return nil, fmt.Errorf("dist: hash mismatch: declared %x, computed %x", ch.Hash, computed)
	}
	return c, nil
}

// MarshalChunk serializes a CodeChunk to CBOR bytes.
func MarshalChunk(ch *CodeChunk) ([]byte, error) {
	return cborEncMode.Marshal(ch)
}

// UnmarshalChunk deserializes a CodeChunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*CodeChunk, error) {
	var ch CodeChunk
	if err := cbor.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	return &ch, nil
}

// MarshalAnnouncement serializes a SyncAnnouncement to CBOR bytes.
func MarshalAnnouncement(a *SyncAnnouncement) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalAnnouncement deserializes a SyncAnnouncement from CBOR bytes.
func UnmarshalAnnouncement(data []byte) (*SyncAnnouncement, error) {
	var a SyncAnnouncement
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announcement: %w", err)
	}
	return &a, nil
}

// MarshalSyncRequest serializes a SyncRequest to CBOR bytes.
func MarshalSyncRequest(r *SyncRequest) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSyncRequest deserializes a SyncRequest from CBOR bytes.
func UnmarshalSyncRequest(data []byte) (*SyncRequest, error) {
	var r SyncRequest
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal sync request: %w", err)
	}
	return &r, nil
}

// MarshalSyncResponse serializes a SyncResponse to CBOR bytes.
func MarshalSyncResponse(r *SyncResponse) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSyncResponse deserializes a SyncResponse from CBOR bytes.
func UnmarshalSyncResponse(data []byte) (*SyncResponse, error) {
	var r SyncResponse
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal sync response: %w", err)
	}
	return &r, nil
}

// MarshalAnnounceResponse serializes an AnnounceResponse to CBOR bytes.
func MarshalAnnounceResponse(r *AnnounceResponse) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalAnnounceResponse deserializes an AnnounceResponse from CBOR bytes.
func UnmarshalAnnounceResponse(data []byte) (*AnnounceResponse, error) {
	var r AnnounceResponse
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announce response: %w", err)
	}
	return &r, nil
}

// BuildAnnouncement describes everything a content store holds.
func BuildAnnouncement(store *vm.ContentStore) *SyncAnnouncement {
	return &SyncAnnouncement{
		Hashes:      store.Hashes(),
		CodeVersion: vm.CodeVersion,
	}
}

// RespondToAnnouncement compares an announcement against the local store
// and replies with the hashes worth requesting. Announcements carrying an
// unknown code version are rejected outright.
func RespondToAnnouncement(a *SyncAnnouncement, store *vm.ContentStore) *AnnounceResponse {
	if a.CodeVersion != vm.CodeVersion {
		return &AnnounceResponse{
			Status:       AnnounceRejected,
			RejectReason: fmt.Sprintf("code version %d not supported", a.CodeVersion),
		}
	}
	var want [][32]byte
	for _, h := range a.Hashes {
		if !store.Has(h) {
			want = append(want, h)
		}
	}
	if len(want) == 0 {
		return &AnnounceResponse{Status: AnnounceAlreadyHave}
	}
	return &AnnounceResponse{Status: AnnounceAccepted, Want: want}
}

// AcceptChunks verifies each chunk in a response and indexes the survivors
// into the store. Returns the hashes that failed verification.
func AcceptChunks(r *SyncResponse, store *vm.ContentStore) (accepted int, failed [][32]byte) {
	for i := range r.Chunks {
		ch := &r.Chunks[i]
		c, err := VerifyChunk(ch)
		if err != nil {
			failed = append(failed, ch.Hash)
			continue
		}
		if _, err := store.Index(c); err != nil {
			failed = append(failed, ch.Hash)
			continue
		}
		accepted++
	}
	return accepted, failed
}
