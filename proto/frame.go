// Package proto implements the wire frame codec and per-connection request
// state machines of spec §4.6: a 48-byte fixed header followed by a
// variable-length body, little-endian throughout.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package proto

import (
	"encoding/binary"

	"github.com/sheepd/sheepd/sderr"
)

// HeaderSize is the fixed frame header length (spec §4.6/§6).
const HeaderSize = 48

const opaqueSize = 32

// Opcodes, spec §6.
const (
	OpJoin          uint8 = 0x01 // internal
	OpVdiOp         uint8 = 0x02 // internal
	OpMasterChanged uint8 = 0x03 // internal
)

// Client opcodes, numbered consecutively from 0x10.
const (
	OpReadObj uint8 = 0x10 + iota
	OpWriteObj
	OpCreateAndWriteObj
	OpRemoveObj
	OpReadVdis
	OpGetVdiInfo
	OpNewVdi
	OpDelVdi
	OpLockVdi
	OpReleaseVdi
	OpStatCluster
)

// Flags bits carried in Header.Flags.
const (
	FlagNoRedirect uint8 = 1 << 0 // forwarded write/read, do not re-resolve ownership
)

// Header is the common shape of sd_req and sd_rsp: opcode-or-result,
// flags, protocol version, epoch, request id, and payload length, followed
// by 32 opcode-specific bytes.
type Header struct {
	Code       uint8 // opcode on a request, result code on a response
	Flags      uint8
	ProtoVer   uint16
	Epoch      uint32
	ID         uint32
	DataLength uint32
	Opaque     [opaqueSize]byte
}

func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Code
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.ProtoVer)
	binary.LittleEndian.PutUint32(buf[4:8], h.Epoch)
	binary.LittleEndian.PutUint32(buf[8:12], h.ID)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLength)
	copy(buf[16:48], h.Opaque[:])
	return buf
}

func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, sderr.Wrapf(sderr.SystemError, "proto: short header (%d bytes)", len(buf))
	}
	h.Code = buf[0]
	h.Flags = buf[1]
	h.ProtoVer = binary.LittleEndian.Uint16(buf[2:4])
	h.Epoch = binary.LittleEndian.Uint32(buf[4:8])
	h.ID = binary.LittleEndian.Uint32(buf[8:12])
	h.DataLength = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.Opaque[:], buf[16:48])
	return h, nil
}

// OpaqueUint64At/PutOpaqueUint64At let opcode-specific fields (oid, offset,
// length, vdi id, ...) be packed into the 32-byte opaque region without
// each opcode needing its own struct tag scheme.
func (h *Header) OpaqueUint64At(off int) uint64 {
	return binary.LittleEndian.Uint64(h.Opaque[off : off+8])
}

func (h *Header) PutOpaqueUint64At(off int, v uint64) {
	binary.LittleEndian.PutUint64(h.Opaque[off:off+8], v)
}

func (h *Header) OpaqueUint32At(off int) uint32 {
	return binary.LittleEndian.Uint32(h.Opaque[off : off+4])
}

func (h *Header) PutOpaqueUint32At(off int, v uint32) {
	binary.LittleEndian.PutUint32(h.Opaque[off:off+4], v)
}

// Well-known opaque offsets for the object opcodes: oid at 0, offset at 8,
// length at 16.
const (
	OpaqueOidOff    = 0
	OpaqueOffOff    = 8
	OpaqueLenOff    = 16
	OpaqueCopiesOff = 24 // single byte, N replicas for this object
)
