// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"encoding/binary"
	"fmt"
)

// IoctlCode is a device control code.
type IoctlCode uint32

const fileDeviceNetwork = 0x12

func ctlCode(fn uint32) IoctlCode {
	const methodBuffered, anyAccess = 0, 0
	return IoctlCode(fileDeviceNetwork<<16 | anyAccess<<14 | fn<<2 | methodBuffered)
}

// Device control codes.
var (
	IoctlEnumerateAll     = ctlCode(0x400)
	IoctlGetAllParameters = ctlCode(0x401)
	IoctlGetParameter     = ctlCode(0x402)
	IoctlICMPEcho         = ctlCode(0x403)
	IoctlChangeNotify     = ctlCode(0x404)
	IoctlICMPListen       = ctlCode(0x405)
	IoctlICMPCancel       = ctlCode(0x406)
	IoctlICMPClose        = ctlCode(0x407)
)

var ioctlNames = map[IoctlCode]string{
	IoctlEnumerateAll:     "enumerate_all",
	IoctlGetAllParameters: "get_all_parameters",
	IoctlGetParameter:     "get_parameter",
	IoctlICMPEcho:         "icmp_echo",
	IoctlChangeNotify:     "change_notify",
	IoctlICMPListen:       "icmp_listen",
	IoctlICMPCancel:       "icmp_cancel",
	IoctlICMPClose:        "icmp_close",
}

// Known reports whether c is one of the device control codes.
func (c IoctlCode) Known() bool {
	_, ok := ioctlNames[c]
	return ok
}

func (c IoctlCode) String() string {
	if n, ok := ioctlNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ioctl(%#x)", uint32(c))
}

// enumerateHeader follows the module id in an enumerate-all input.
type enumerateHeader struct {
	First  uint32
	Second uint32
	Table  uint32
	Sizes  [numColumns]uint32
	Count  uint32
}

// getAllHeader follows the module id in a get-all-parameters input, and
// is followed by the key.
type getAllHeader struct {
	Table       uint32
	First       uint32
	KeySize     uint32
	RWSize      uint32
	DynamicSize uint32
	StaticSize  uint32
}

// getParameterHeader follows the module id in a get-parameter input, and
// is followed by the key.
type getParameterHeader struct {
	Table    uint32
	First    uint32
	KeySize  uint32
	Class    uint32
	DataSize uint32
	Offset   uint32
}

func appendRecord(b []byte, v any) []byte {
	b, err := binary.Append(b, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}
	return b
}

func appendModule(b []byte, m ModuleID) []byte {
	b, err := m.AppendBinary(b)
	if err != nil {
		panic(err)
	}
	return b
}

// decodeHeader decodes a module id and the fixed header h from in and
// returns the remaining bytes.
func decodeHeader(in []byte, h any) (ModuleID, []byte, error) {
	m, err := DecodeModuleID(in)
	if err != nil {
		return ModuleID{}, nil, err
	}
	in = in[ModuleIDSize:]
	n, err := binary.Decode(in, binary.LittleEndian, h)
	if err != nil {
		return ModuleID{}, nil, StatusInvalidParameter
	}
	return m, in[n:], nil
}

// MarshalEnumerate returns the ioctl input for req. Column data is not
// part of the input.
func MarshalEnumerate(req *EnumerateRequest) []byte {
	h := enumerateHeader{
		First:  req.First,
		Second: req.Second,
		Table:  uint32(req.Table),
		Count:  uint32(req.Count),
	}
	for c, col := range req.Columns {
		h.Sizes[c] = uint32(col.Size)
	}
	return appendRecord(appendModule(nil, req.Module), &h)
}

// UnmarshalEnumerate decodes an enumerate-all input. The returned
// request's columns carry sizes but no data.
func UnmarshalEnumerate(in []byte) (*EnumerateRequest, error) {
	var h enumerateHeader
	m, rest, err := decodeHeader(in, &h)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, StatusInvalidParameter
	}
	req := &EnumerateRequest{
		Module: m,
		Table:  TableID(h.Table),
		First:  h.First,
		Second: h.Second,
		Count:  int(h.Count),
	}
	for c, sz := range h.Sizes {
		req.Columns[c].Size = int(sz)
	}
	return req, nil
}

// EnumerateOutputSize returns the exact output size of an enumerate-all
// of count rows with the given column sizes: a uint32 row count followed
// by the key, rw, dynamic and static arrays.
func EnumerateOutputSize(sizes Sizes, count int) int {
	n := 4
	for _, sz := range sizes {
		n += sz * count
	}
	return n
}

// MaxOutputSize bounds the output of a single ioctl.
const MaxOutputSize = 64 << 20

// MaxRecordSize bounds one column record, and so the data of a
// get-parameter request.
const MaxRecordSize = 1 << 16

// CheckEnumerateOutputSize is EnumerateOutputSize for untrusted sizes and
// counts. It fails with StatusInvalidParameter for negative values and
// with StatusNoMemory when the output would exceed MaxOutputSize.
func CheckEnumerateOutputSize(sizes Sizes, count int) (int, error) {
	if count < 0 {
		return 0, StatusInvalidParameter
	}
	n := 4
	for _, sz := range sizes {
		if sz < 0 {
			return 0, StatusInvalidParameter
		}
		if sz != 0 && count > (MaxOutputSize-n)/sz {
			return 0, StatusNoMemory
		}
		n += sz * count
	}
	return n, nil
}

// SplitEnumerateOutput returns the column arrays within out, which must be
// EnumerateOutputSize(sizes, count) bytes long. Zero-size columns are nil.
func SplitEnumerateOutput(out []byte, sizes Sizes, count int) (cols [numColumns][]byte) {
	off := 4
	for c, sz := range sizes {
		n := sz * count
		if sz != 0 {
			cols[c] = out[off : off+n : off+n]
		}
		off += n
	}
	return cols
}

// MarshalGetAll returns the ioctl input for req.
func MarshalGetAll(req *GetAllRequest) []byte {
	h := getAllHeader{
		Table:       uint32(req.Table),
		KeySize:     uint32(len(req.Key)),
		RWSize:      uint32(req.RW.Size),
		DynamicSize: uint32(req.Dynamic.Size),
		StaticSize:  uint32(req.Static.Size),
	}
	b := appendRecord(appendModule(nil, req.Module), &h)
	return append(b, req.Key...)
}

// UnmarshalGetAll decodes a get-all-parameters input. The key must be
// exactly the declared key size.
func UnmarshalGetAll(in []byte) (*GetAllRequest, error) {
	var h getAllHeader
	m, rest, err := decodeHeader(in, &h)
	if err != nil {
		return nil, err
	}
	if len(rest) != int(h.KeySize) {
		return nil, StatusInvalidParameter
	}
	return &GetAllRequest{
		Module:  m,
		Table:   TableID(h.Table),
		Key:     rest,
		RW:      ColumnBuf{Size: int(h.RWSize)},
		Dynamic: ColumnBuf{Size: int(h.DynamicSize)},
		Static:  ColumnBuf{Size: int(h.StaticSize)},
	}, nil
}

// MarshalGetParameter returns the ioctl input for req.
func MarshalGetParameter(req *GetParameterRequest) []byte {
	h := getParameterHeader{
		Table:    uint32(req.Table),
		KeySize:  uint32(len(req.Key)),
		Class:    uint32(req.Class),
		DataSize: uint32(len(req.Data)),
		Offset:   uint32(req.Offset),
	}
	b := appendRecord(appendModule(nil, req.Module), &h)
	return append(b, req.Key...)
}

// UnmarshalGetParameter decodes a get-parameter input. The returned
// request's Data is allocated to the requested size, which is at most
// MaxRecordSize.
func UnmarshalGetParameter(in []byte) (*GetParameterRequest, error) {
	var h getParameterHeader
	m, rest, err := decodeHeader(in, &h)
	if err != nil {
		return nil, err
	}
	if len(rest) != int(h.KeySize) || h.DataSize > MaxRecordSize {
		return nil, StatusInvalidParameter
	}
	return &GetParameterRequest{
		Module: m,
		Table:  TableID(h.Table),
		Key:    rest,
		Class:  ParamClass(h.Class),
		Offset: int(h.Offset),
		Data:   make([]byte, h.DataSize),
	}, nil
}

// TableName is the input of IoctlChangeNotify.
type TableName struct {
	Module ModuleID
	Table  TableID
}

// MarshalTableName returns the encoding of t.
func MarshalTableName(t TableName) []byte {
	return binary.LittleEndian.AppendUint32(appendModule(nil, t.Module), uint32(t.Table))
}

// UnmarshalTableName decodes a TableName.
func UnmarshalTableName(in []byte) (TableName, error) {
	var table uint32
	m, rest, err := decodeHeader(in, &table)
	if err != nil {
		return TableName{}, err
	}
	if len(rest) != 0 {
		return TableName{}, StatusInvalidParameter
	}
	return TableName{Module: m, Table: TableID(table)}, nil
}

// EchoRequest is the input of IoctlICMPEcho.
type EchoRequest struct {
	Source SockAddrInet // zero Family for any source
	Dest   SockAddrInet
	TTL    uint8
	TOS    uint8
	Flags  uint8 // EchoFlagDontFragment
	Data   []byte
}

// EchoFlagDontFragment sets the IPv4 DF bit on the request.
const EchoFlagDontFragment = 0x2

type echoHeader struct {
	Source  SockAddrInet
	Dest    SockAddrInet
	TTL     uint8
	TOS     uint8
	Flags   uint8
	_       uint8
	ReqSize uint32
}

// MarshalEchoRequest returns the encoding of r.
func MarshalEchoRequest(r *EchoRequest) []byte {
	h := echoHeader{
		Source:  r.Source,
		Dest:    r.Dest,
		TTL:     r.TTL,
		TOS:     r.TOS,
		Flags:   r.Flags,
		ReqSize: uint32(len(r.Data)),
	}
	return append(appendRecord(nil, &h), r.Data...)
}

// UnmarshalEchoRequest decodes an EchoRequest.
func UnmarshalEchoRequest(in []byte) (*EchoRequest, error) {
	var h echoHeader
	n, err := binary.Decode(in, binary.LittleEndian, &h)
	if err != nil || len(in)-n != int(h.ReqSize) {
		return nil, StatusInvalidParameter
	}
	return &EchoRequest{
		Source: h.Source,
		Dest:   h.Dest,
		TTL:    h.TTL,
		TOS:    h.TOS,
		Flags:  h.Flags,
		Data:   in[n:],
	}, nil
}

// ListenRequest is the input of IoctlICMPListen. Bits selects the 32- or
// 64-bit reply layout.
type ListenRequest struct {
	Handle    uint32
	TimeoutMS uint32
	Bits      uint32
}

// MarshalListenRequest returns the encoding of r.
func MarshalListenRequest(r ListenRequest) []byte { return appendRecord(nil, &r) }

// UnmarshalListenRequest decodes a ListenRequest.
func UnmarshalListenRequest(in []byte) (ListenRequest, error) {
	var r ListenRequest
	if err := DecodeRecord(in, &r); err != nil {
		return r, StatusInvalidParameter
	}
	return r, nil
}

// MarshalHandle returns the encoding of an ICMP handle, as used by
// IoctlICMPCancel, IoctlICMPClose and the IoctlICMPEcho output.
func MarshalHandle(h uint32) []byte { return binary.LittleEndian.AppendUint32(nil, h) }

// UnmarshalHandle decodes an ICMP handle.
func UnmarshalHandle(in []byte) (uint32, error) {
	if len(in) != 4 {
		return 0, StatusInvalidParameter
	}
	return binary.LittleEndian.Uint32(in), nil
}
