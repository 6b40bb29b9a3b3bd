package protocol

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// TCPFlags describes how traffic on a tunnel should look on the wire when a
// disguise layer is present. Nothing in the relay path acts on it.
type TCPFlags struct {
	Fin, Syn, Rst, Psh, Ack, Urg, Ece, Cwr, Ns bool
}

var (
	FlagsPshAck = TCPFlags{Psh: true, Ack: true}
	FlagsAck    = TCPFlags{Ack: true}
	FlagsSyn    = TCPFlags{Syn: true}
	FlagsSynAck = TCPFlags{Syn: true, Ack: true}
	FlagsFinAck = TCPFlags{Fin: true, Ack: true}
	FlagsRst    = TCPFlags{Rst: true}
)

const flagsWireSize = 9

func (f TCPFlags) bits() [flagsWireSize]bool {
	return [flagsWireSize]bool{f.Fin, f.Syn, f.Rst, f.Psh, f.Ack, f.Urg, f.Ece, f.Cwr, f.Ns}
}

func flagsFromBits(b [flagsWireSize]bool) TCPFlags {
	return TCPFlags{
		Fin: b[0], Syn: b[1], Rst: b[2], Psh: b[3], Ack: b[4],
		Urg: b[5], Ece: b[6], Cwr: b[7], Ns: b[8],
	}
}

func (f TCPFlags) String() string {
	const names = "FSRPAUECN"
	var sb strings.Builder
	for i, set := range f.bits() {
		if set {
			sb.WriteByte(names[i])
		}
	}
	if sb.Len() == 0 {
		return "-"
	}
	return sb.String()
}

// ParseFlagsList parses a comma separated list of preset names such as
// "pa,a" into a flag sequence.
func ParseFlagsList(s string) ([]TCPFlags, error) {
	var out []TCPFlags
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		f, ok := flagPresets[name]
		if !ok {
			return nil, errors.Errorf("unknown tcp flag preset %q", name)
		}
		out = append(out, f)
	}
	return out, nil
}

var flagPresets = map[string]TCPFlags{
	"pa": FlagsPshAck,
	"a":  FlagsAck,
	"s":  FlagsSyn,
	"sa": FlagsSynAck,
	"fa": FlagsFinAck,
	"r":  FlagsRst,
}

// FlagSequence hands out flags round-robin. It is safe for concurrent use.
type FlagSequence struct {
	flags []TCPFlags
	next  atomic.Uint64
}

func NewFlagSequence(flags ...TCPFlags) *FlagSequence {
	if len(flags) == 0 {
		flags = []TCPFlags{FlagsPshAck}
	}
	return &FlagSequence{flags: flags}
}

func (s *FlagSequence) Next() TCPFlags {
	i := s.next.Inc() - 1
	return s.flags[i%uint64(len(s.flags))]
}
