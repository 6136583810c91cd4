// Package dist implements content-addressed code exchange for Krait. Two
// VMs can trade code objects as CBOR chunks keyed by content hash. The
// receiver decodes, validates and re-hashes every chunk before accepting
// it, so a peer can never inject code that does not match its declared
// identity.
package dist

import (
	"github.com/krait-lang/krait/vm"
)

// CodeChunk is the atomic unit of code exchange. The payload is a
// CBOR-encoded code object tree; nested code objects travel inline, so a
// chunk has no external dependencies.
type CodeChunk struct {
	Hash    [32]byte `cbor:"1,keyasint"`
	Name    string   `cbor:"2,keyasint"`
	Payload []byte   `cbor:"3,keyasint"`
}

// SyncAnnouncement is sent by a peer to advertise what it has available.
type SyncAnnouncement struct {
	Hashes      [][32]byte `cbor:"1,keyasint"`
	CodeVersion uint16     `cbor:"2,keyasint"`
}

// SyncRequest is the have/want negotiation message.
type SyncRequest struct {
	Have [][32]byte `cbor:"1,keyasint"`
	Want [][32]byte `cbor:"2,keyasint"`
}

// SyncResponse carries the requested chunks.
type SyncResponse struct {
	Chunks []CodeChunk `cbor:"1,keyasint"`
}

// AnnounceStatus indicates the result of an announcement.
type AnnounceStatus uint8

const (
	AnnounceAccepted    AnnounceStatus = 0
	AnnounceRejected    AnnounceStatus = 1
	AnnounceAlreadyHave AnnounceStatus = 2
)

// AnnounceResponse is the reply to a SyncAnnouncement.
type AnnounceResponse struct {
	Status       AnnounceStatus `cbor:"1,keyasint"`
	Want         [][32]byte     `cbor:"2,keyasint,omitempty"`
	RejectReason string         `cbor:"3,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Wire form of code objects
// ---------------------------------------------------------------------------

type wireConstant struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Bool  bool    `cbor:"2,keyasint,omitempty"`
	Int   int64   `cbor:"3,keyasint,omitempty"`
	Float float64 `cbor:"4,keyasint,omitempty"`
	Str   string  `cbor:"5,keyasint,omitempty"`
	Child int     `cbor:"6,keyasint,omitempty"`
}

type wireLocation struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
	Column int `cbor:"3,keyasint,omitempty"`
}

type wireCode struct {
	Version    uint16         `cbor:"1,keyasint"`
	Name       string         `cbor:"2,keyasint"`
	Flags      uint16         `cbor:"3,keyasint,omitempty"`
	ParamCount int            `cbor:"4,keyasint,omitempty"`
	Code       []byte         `cbor:"5,keyasint"`
	Constants  []wireConstant `cbor:"6,keyasint,omitempty"`
	Names      []string       `cbor:"7,keyasint,omitempty"`
	LocalNames []string       `cbor:"8,keyasint,omitempty"`
	CellNames  []string       `cbor:"9,keyasint,omitempty"`
	FreeNames  []string       `cbor:"10,keyasint,omitempty"`
	Children   []*wireCode    `cbor:"11,keyasint,omitempty"`
	SourceMap  []wireLocation `cbor:"12,keyasint,omitempty"`
}

func codeToWire(c *vm.CodeObject) *wireCode {
	w := &wireCode{
		Version:    c.Version,
		Name:       c.Name,
		Flags:      uint16(c.Flags),
		ParamCount: c.ParamCount,
		Code:       c.Code,
		Names:      c.Names,
		LocalNames: c.LocalNames,
		CellNames:  c.CellNames,
		FreeNames:  c.FreeNames,
	}
	for _, k := range c.Constants {
		w.Constants = append(w.Constants, wireConstant{
			Kind:  uint8(k.Kind),
			Bool:  k.Bool,
			Int:   k.Int,
			Float: k.Float,
			Str:   k.Str,
			Child: k.Child,
		})
	}
	for _, child := range c.Children {
		w.Children = append(w.Children, codeToWire(child))
	}
	for _, loc := range c.SourceMap {
		w.SourceMap = append(w.SourceMap, wireLocation{Offset: loc.Offset, Line: loc.Line, Column: loc.Column})
	}
	return w
}

func wireToCode(w *wireCode) *vm.CodeObject {
	c := &vm.CodeObject{
		Version:    w.Version,
		Name:       w.Name,
		Flags:      vm.CodeFlags(w.Flags),
		ParamCount: w.ParamCount,
		Code:       w.Code,
		Names:      w.Names,
		LocalNames: w.LocalNames,
		CellNames:  w.CellNames,
		FreeNames:  w.FreeNames,
	}
	for _, k := range w.Constants {
		c.Constants = append(c.Constants, vm.Constant{
			Kind:  vm.ConstKind(k.Kind),
			Bool:  k.Bool,
			Int:   k.Int,
			Float: k.Float,
			Str:   k.Str,
			Child: k.Child,
		})
	}
	for _, child := range w.Children {
		c.Children = append(c.Children, wireToCode(child))
	}
	for _, loc := range w.SourceMap {
		c.SourceMap = append(c.SourceMap, vm.SourceLocation{Offset: loc.Offset, Line: loc.Line, Column: loc.Column})
	}
	return c
}
