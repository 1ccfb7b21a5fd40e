// Package flow defines the flow record consumed by the aggregation engine.
// Readers that decode records from the wire or from files live outside
// this module; the engine only needs the fields below and the Reader
// interface.
package flow

import (
	"net/netip"
	"time"
)

const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

type Record struct {
	SIP         netip.Addr
	DIP         netip.Addr
	NhIP        netip.Addr
	SPort       uint16
	DPort       uint16
	Proto       uint8
	Flags       uint8
	InitFlags   uint8
	RestFlags   uint8
	TCPState    uint8
	FlowType    uint8
	Sensor      uint16
	Application uint16
	Input       uint32
	Output      uint32
	Packets     uint64
	Bytes       uint64
	Start       time.Time
	Elapsed     time.Duration
}

// End returns the time the flow ended.
func (r *Record) End() time.Time {
	return r.Start.Add(r.Elapsed)
}

func (r *Record) IsICMP() bool {
	return r.Proto == ProtoICMP || (r.Proto == ProtoICMPv6 && r.SIP.Is6() && !r.SIP.Is4In6())
}

// ICMPType returns the ICMP type, which flow collectors carry in the
// high byte of the destination port.  It is zero for non-ICMP flows.
func (r *Record) ICMPType() uint8 {
	if !r.IsICMP() {
		return 0
	}
	return uint8(r.DPort >> 8)
}

func (r *Record) ICMPCode() uint8 {
	if !r.IsICMP() {
		return 0
	}
	return uint8(r.DPort)
}

// Class returns the collector class packed into the high nibble of
// FlowType.
func (r *Record) Class() uint8 {
	return r.FlowType >> 4
}

// Type returns the collector type packed into the low nibble of FlowType.
func (r *Record) Type() uint8 {
	return r.FlowType & 0x0f
}

// Reader is a source of flow records.  Read returns a nil record and a
// nil error at the end of the stream.
type Reader interface {
	Read() (*Record, error)
}

type ReadCloser interface {
	Reader
	Close() error
}

// Array is a Reader over an in-memory slice of records.
type Array struct {
	recs []Record
	off  int
}

func NewArray(recs []Record) *Array {
	return &Array{recs: recs}
}

func (a *Array) Read() (*Record, error) {
	if a.off >= len(a.recs) {
		return nil, nil
	}
	rec := &a.recs[a.off]
	a.off++
	return rec, nil
}

func (a *Array) Close() error {
	return nil
}
