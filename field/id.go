package field

import "fmt"

// ID identifies the semantics of a field.  Every ID except CallerDefined
// has a fixed width and a built-in encoder; CallerDefined fields are defined
// entirely by the callbacks registered with List.AddCaller.
type ID int

const (
	SIPv4 ID = iota
	DIPv4
	SPort
	DPort
	Proto
	Packets
	Bytes
	Flags
	StartTime
	Elapsed
	EndTime
	Sensor
	Input
	Output
	NhIPv4
	InitFlags
	RestFlags
	TCPState
	Application
	FTypeClass
	FTypeType
	ICMPType
	ICMPCode
	SIPv6
	DIPv6
	NhIPv6
	Records
	SumPackets
	SumBytes
	SumElapsed
	MinStartTime
	MaxEndTime
	CallerDefined
)

// Role is a bit mask of the lists a field may appear in.
type Role uint8

const (
	Key Role = 1 << iota
	Value
	Distinct

	KeyDistinct = Key | Distinct
	AnyRole     = Key | Value | Distinct
)

func (r Role) String() string {
	switch r {
	case Key:
		return "key"
	case Value:
		return "value"
	case Distinct:
		return "distinct"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

type info struct {
	name  string
	width int
	roles Role
}

var infos = [...]info{
	SIPv4:         {"sIPv4", 4, KeyDistinct},
	DIPv4:         {"dIPv4", 4, KeyDistinct},
	SPort:         {"sPort", 2, KeyDistinct},
	DPort:         {"dPort", 2, KeyDistinct},
	Proto:         {"protocol", 1, KeyDistinct},
	Packets:       {"packets", 8, KeyDistinct},
	Bytes:         {"bytes", 8, KeyDistinct},
	Flags:         {"flags", 1, KeyDistinct},
	StartTime:     {"sTime", 4, KeyDistinct},
	Elapsed:       {"duration", 4, KeyDistinct},
	EndTime:       {"eTime", 4, KeyDistinct},
	Sensor:        {"sensor", 2, KeyDistinct},
	Input:         {"in", 4, KeyDistinct},
	Output:        {"out", 4, KeyDistinct},
	NhIPv4:        {"nhIPv4", 4, KeyDistinct},
	InitFlags:     {"initialFlags", 1, KeyDistinct},
	RestFlags:     {"sessionFlags", 1, KeyDistinct},
	TCPState:      {"attributes", 1, KeyDistinct},
	Application:   {"application", 2, KeyDistinct},
	FTypeClass:    {"class", 1, KeyDistinct},
	FTypeType:     {"type", 1, KeyDistinct},
	ICMPType:      {"iType", 1, KeyDistinct},
	ICMPCode:      {"iCode", 1, KeyDistinct},
	SIPv6:         {"sIPv6", 16, KeyDistinct},
	DIPv6:         {"dIPv6", 16, KeyDistinct},
	NhIPv6:        {"nhIPv6", 16, KeyDistinct},
	Records:       {"records", 4, Value},
	SumPackets:    {"sumPackets", 8, Value},
	SumBytes:      {"sumBytes", 8, Value},
	SumElapsed:    {"sumDuration", 4, Value},
	MinStartTime:  {"minSTime", 4, Value},
	MaxEndTime:    {"maxETime", 4, Value},
	CallerDefined: {"caller", 0, AnyRole},
}

func (id ID) valid() bool {
	return id >= 0 && int(id) < len(infos)
}

func (id ID) String() string {
	if !id.valid() {
		return fmt.Sprintf("field(%d)", int(id))
	}
	return infos[id].name
}

// Width returns the canonical width in bytes of a known field, or zero for
// CallerDefined and unknown ids.
func (id ID) Width() int {
	if !id.valid() {
		return 0
	}
	return infos[id].width
}

// Allows reports whether a field with this id may appear in a list of
// the given role.
func (id ID) Allows(r Role) bool {
	return id.valid() && infos[id].roles&r != 0
}
