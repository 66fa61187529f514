package sender

// iFlags is the 16-bit per-index flag field the peer attaches to an
// index it sends, and which the sender echoes back. Only bit 0 carries
// meaning in this revision;
// every other bit is reserved and must be clear, since there is no item
// report facility on this side of the protocol to produce them.
type iFlags uint16

const (
	flagTransfer iFlags = 1 << 0

	knownFlags = flagTransfer
)

func (f iFlags) isValid() bool   { return f&^knownFlags == 0 }
func (f iFlags) wantsTransfer() bool { return f&flagTransfer != 0 }
