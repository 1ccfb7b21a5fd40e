package field

import (
	"math"
	"math/bits"
	"net/netip"
	"time"

	"github.com/brimdata/zuniq/flow"
)

func putIPv4(dst []byte, a netip.Addr) {
	if a.Is4In6() {
		a = a.Unmap()
	}
	if !a.Is4() {
		zero(dst)
		return
	}
	b := a.As4()
	copy(dst, b[:])
}

func putIPv6(dst []byte, a netip.Addr) {
	if !a.IsValid() {
		zero(dst)
		return
	}
	b := a.As16()
	copy(dst, b[:])
}

// Times are kept as seconds in 32 bits, which is enough to order flows
// until 2106.
func seconds(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	s := t.Unix()
	if s < 0 {
		return 0
	}
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

func elapsed(d time.Duration) uint32 {
	s := d / time.Second
	if s < 0 {
		return 0
	}
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

func encode(id ID, rec *flow.Record, dst []byte) {
	switch id {
	case SIPv4:
		putIPv4(dst, rec.SIP)
	case DIPv4:
		putIPv4(dst, rec.DIP)
	case NhIPv4:
		putIPv4(dst, rec.NhIP)
	case SIPv6:
		putIPv6(dst, rec.SIP)
	case DIPv6:
		putIPv6(dst, rec.DIP)
	case NhIPv6:
		putIPv6(dst, rec.NhIP)
	case SPort:
		order.PutUint16(dst, rec.SPort)
	case DPort:
		order.PutUint16(dst, rec.DPort)
	case Proto:
		dst[0] = rec.Proto
	case Packets:
		order.PutUint64(dst, rec.Packets)
	case Bytes:
		order.PutUint64(dst, rec.Bytes)
	case Flags:
		dst[0] = rec.Flags
	case StartTime:
		order.PutUint32(dst, seconds(rec.Start))
	case Elapsed:
		order.PutUint32(dst, elapsed(rec.Elapsed))
	case EndTime:
		order.PutUint32(dst, seconds(rec.End()))
	case Sensor:
		order.PutUint16(dst, rec.Sensor)
	case Input:
		order.PutUint32(dst, rec.Input)
	case Output:
		order.PutUint32(dst, rec.Output)
	case InitFlags:
		dst[0] = rec.InitFlags
	case RestFlags:
		dst[0] = rec.RestFlags
	case TCPState:
		dst[0] = rec.TCPState
	case Application:
		order.PutUint16(dst, rec.Application)
	case FTypeClass:
		dst[0] = rec.Class()
	case FTypeType:
		dst[0] = rec.Type()
	case ICMPType:
		dst[0] = rec.ICMPType()
	case ICMPCode:
		dst[0] = rec.ICMPCode()
	default:
		// Value-only fields have no key encoding.
		zero(dst)
	}
}

// accumulate folds rec into dst and returns false if a counter wrapped.
func accumulate(id ID, rec *flow.Record, dst []byte) bool {
	switch id {
	case Records:
		return add32(dst, 1)
	case SumPackets:
		return add64(dst, rec.Packets)
	case SumBytes:
		return add64(dst, rec.Bytes)
	case SumElapsed:
		return add32(dst, uint64(elapsed(rec.Elapsed)))
	case MinStartTime:
		if s := seconds(rec.Start); s < order.Uint32(dst) {
			order.PutUint32(dst, s)
		}
	case MaxEndTime:
		if s := seconds(rec.End()); s > order.Uint32(dst) {
			order.PutUint32(dst, s)
		}
	}
	return true
}

func merge(id ID, dst, src []byte) bool {
	switch id {
	case Records, SumElapsed:
		return add32(dst, uint64(order.Uint32(src)))
	case SumPackets, SumBytes:
		return add64(dst, order.Uint64(src))
	case MinStartTime:
		if s := order.Uint32(src); s < order.Uint32(dst) {
			order.PutUint32(dst, s)
		}
	case MaxEndTime:
		if s := order.Uint32(src); s > order.Uint32(dst) {
			order.PutUint32(dst, s)
		}
	}
	return true
}

func add32(dst []byte, v uint64) bool {
	sum := uint64(order.Uint32(dst)) + v
	order.PutUint32(dst, uint32(sum))
	return sum <= math.MaxUint32
}

func add64(dst []byte, v uint64) bool {
	sum, carry := bits.Add64(order.Uint64(dst), v, 0)
	order.PutUint64(dst, sum)
	return carry == 0
}
