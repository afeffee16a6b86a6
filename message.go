package isotp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CanMessage is one CAN or CAN-FD frame as exchanged with the link layer.
//
// ArbitrationId is the 11- or 29-bit identifier. Dlc is the CAN DLC nibble
// (0-8 for classical CAN, 0-15 for CAN-FD, mapping to 0-64 data bytes).
// Data must have a length consistent with Dlc per the CAN/CAN-FD tables in
// getNearestCanFdSize/getDlc.
type CanMessage struct {
	ArbitrationId int
	Dlc           int
	Data          []byte
	ExtendedId    bool
	IsFd          bool
	BitrateSwitch bool
}

func (m *CanMessage) String() string {
	idFmt := "%03X"
	if m.ExtendedId {
		idFmt = "%08X"
	}
	var flags []string
	if m.IsFd {
		flags = append(flags, "fd")
	}
	if m.BitrateSwitch {
		flags = append(flags, "brs")
	}
	flagStr := ""
	if len(flags) > 0 {
		flagStr = " (" + strings.Join(flags, ",") + ")"
	}
	return fmt.Sprintf("<CanMessage "+idFmt+" [%d]%s %s>", m.ArbitrationId, len(m.Data), flagStr, hex.EncodeToString(m.Data))
}
