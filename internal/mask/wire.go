package mask

import (
	"github.com/bnema/xigrab/internal/protocol"
)

// WireUnits is the number of 4-byte units this server emits for a mask.
const WireUnits = (protocol.MaskBytes + 3) / 4

// CheckMaskRange validates a wire mask whose declared length is declaredLen
// 4-byte units. Peers may send masks shorter or longer than the server's own;
// longer masks are accepted only if no bit past LastEvent is set.
func CheckMaskRange(wire []byte, declaredLen int) error {
	if declaredLen < 0 || declaredLen*4 > len(wire) {
		return protocol.NewError("CheckMaskRange", protocol.BadLength, uint32(declaredLen))
	}
	bits := declaredLen * 4 * 8
	for bit := int(protocol.LastEvent) + 1; bit < bits; bit++ {
		if wire[bit>>3]&(1<<(bit&7)) != 0 {
			return protocol.NewError("CheckMaskRange", protocol.BadValue, uint32(bit))
		}
	}
	return nil
}

// FromWire converts a wire mask to an EventMask. Short masks are zero-extended;
// long masks are truncated after CheckMaskRange has confirmed the dropped bits
// are clear. Bits that fit are copied unchanged.
func FromWire(wire []byte, declaredLen int) (EventMask, error) {
	var m EventMask
	if err := CheckMaskRange(wire, declaredLen); err != nil {
		return m, err
	}
	n := declaredLen * 4
	if n > len(m) {
		n = len(m)
	}
	copy(m[:], wire[:n])
	return m, nil
}

// ToWire returns the mask padded to whole 4-byte units.
func (m EventMask) ToWire() []byte {
	out := make([]byte, WireUnits*4)
	copy(out, m[:])
	return out
}
