package transport

// Application-layer opcodes (C2's vocabulary; kept here since Frame.Type
// decoding is C1's job and callers need the constants to interpret it).
const (
	OpcodeEepromRead      uint16 = 0x0100
	OpcodeEepromReadResp  uint16 = 0x8100
	OpcodeEepromWrite     uint16 = 0x01c0
	OpcodeEepromWriteResp uint16 = 0x81c0

	OpcodeStartTransmissionResp uint16 = 0x8000
	OpcodeEndTransmissionResp   uint16 = 0x8f00

	OpcodeUnlockResp        uint16 = 0x8100
	OpcodePairEnterModeResp uint16 = 0x8200
	OpcodePairProgramResp   uint16 = 0x8000
)

// startTransmissionCmd and endTransmissionCmd are opaque literal command
// frames. Unlike EEPROM read/write, these two session verbs carry no
// address or payload in the traditional sense, so they are not built via
// buildCommand — they are fixed wire constants, exactly as the reference
// implementation sends them.
var (
	startTransmissionCmd = []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x18}
	endTransmissionCmd   = []byte{0x08, 0x0f, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07}
)
