package isotp

import "fmt"

const (
	Normal11bits uint32 = iota
	Normal29bits
	NormalFixed29bits
	Extended11bits
	Extended29bits
	Mixed11bits
	Mixed29bits
)

const (
	Physical = iota
	Functional
)

// AddressHandler is the subset of Address/AsymmetricAddress behavior the
// transport logic depends on. Both *Address and *AsymmetricAddress satisfy
// it, so TransportLayerLogic can run with either a single symmetric Address
// or a tx/rx pair of partial ones.
type AddressHandler interface {
	GetTxArbitrationId(addressType uint32) int
	GetTxPayloadPrefix() []byte
	IsTx29Bit() bool
	GetRxPrefixSize() int
	IsForMe(msg CanMessage) bool
}

// is29BitMode reports whether an addressing mode places the CAN ID in the
// 29-bit extended range rather than the 11-bit standard range.
func is29BitMode(mode uint32) bool {
	switch mode {
	case Normal29bits, NormalFixed29bits, Extended29bits, Mixed29bits:
		return true
	default:
		return false
	}
}

// Address describes how to build outgoing arbitration IDs / payload
// prefixes and how to recognize incoming frames for one of the seven
// ISO-15765-2 addressing schemes. Everything an Address needs at runtime is
// resolved once in NewAddress; the accessor methods below only ever read
// back what was already computed, they never re-derive it from the mode.
type Address struct {
	mode      uint32
	is29Bit   bool
	rxOnly    bool
	txOnly    bool
	target    int
	source    int
	extension int

	// Only meaningful for Normal/Extended/Mixed11 modes.
	txID, rxID int

	// Only meaningful for NormalFixed29bits/Mixed29bits: the top 13 bits of
	// the arbitration ID, before the target/source address bytes are OR'd
	// in.
	physicalBase, functionalBase int

	txPrefix    []byte
	rxPrefixLen int

	matchesIncoming func(msg CanMessage) bool
}

// NewAddress builds an Address for one of the seven ISO-15765-2 addressing
// schemes. It panics if the combination of parameters given is not
// sufficient to unambiguously address frames for the requested mode -
// there is no good runtime fallback for a half-configured address, so this
// fails at construction rather than producing malformed frames later.
func NewAddress(
	addressingMode uint32,
	txID int,
	rxID int,
	targetAddress int,
	sourceAddress int,
	physicalID int,
	functionalID int,
	addressExtension int,
	rxOnly bool,
	txOnly bool,
) *Address {
	a := &Address{
		mode:      addressingMode,
		is29Bit:   is29BitMode(addressingMode),
		rxOnly:    rxOnly,
		txOnly:    txOnly,
		target:    targetAddress,
		source:    sourceAddress,
		extension: addressExtension,
		txID:      txID,
		rxID:      rxID,
	}

	a.physicalBase, a.functionalBase = fixedArbitrationBases(addressingMode, physicalID, functionalID)

	if err := a.checkConfiguration(); err != nil {
		panic(err.Error())
	}

	if !a.txOnly {
		a.matchesIncoming = a.buildMatcher()
		a.rxPrefixLen = addressByteWidth(addressingMode)
	}
	if !a.rxOnly {
		a.txPrefix = addressBytePrefix(addressingMode, a.target, a.extension)
	}

	return a
}

// fixedArbitrationBases returns the top 13 bits ISO-15765-4 reserves for
// physical and functional diagnostic addressing under the two 29-bit fixed
// schemes. Every other addressing mode ignores these and returns zero.
func fixedArbitrationBases(mode uint32, physicalID, functionalID int) (physical, functional int) {
	switch mode {
	case NormalFixed29bits:
		physical, functional = 0x18DA0000, 0x18DB0000
	case Mixed29bits:
		physical, functional = 0x18CE0000, 0x18CD0000
	default:
		return 0, 0
	}
	if physicalID != 0 {
		physical = physicalID & 0x1FFF0000
	}
	if functionalID != 0 {
		functional = functionalID & 0x1FFF0000
	}
	return physical, functional
}

// addressByteWidth returns the number of leading payload bytes an incoming
// frame carries for addressing rather than data. Only Extended and Mixed
// addressing embed an address byte in the payload; Normal and NormalFixed
// encode addressing entirely in the arbitration ID.
func addressByteWidth(mode uint32) int {
	switch mode {
	case Extended11bits, Extended29bits, Mixed11bits, Mixed29bits:
		return 1
	default:
		return 0
	}
}

// addressBytePrefix returns the byte, if any, that must be prepended to
// every outgoing frame's payload for the given mode.
func addressBytePrefix(mode uint32, target, extension int) []byte {
	switch mode {
	case Extended11bits, Extended29bits:
		return []byte{byte(target)}
	case Mixed11bits, Mixed29bits:
		return []byte{byte(extension)}
	default:
		return nil
	}
}

// checkConfiguration validates that enough fields were supplied for the
// requested mode and that every value fits the field width ISO-15765-2
// assigns it. Every failure is collected into one message so a caller
// fixing a bad Address only has to run NewAddress once to see every
// problem, not one panic per missing field.
func (a *Address) checkConfiguration() error {
	var problems []string
	require := func(cond bool, msg string) {
		if !cond {
			problems = append(problems, msg)
		}
	}

	if a.rxOnly && a.txOnly {
		problems = append(problems, "address cannot be both rx-only and tx-only")
	}

	switch a.mode {
	case Normal11bits, Normal29bits:
		require(a.txOnly || a.rxID != 0, "rxid is required for normal addressing")
		require(a.rxOnly || a.txID != 0, "txid is required for normal addressing")
		require(a.txID != a.rxID, "txid and rxid must differ for normal addressing")
	case NormalFixed29bits:
		require(a.target != 0 || a.source != 0, "target_address/source_address are required for normal-fixed addressing")
	case Extended11bits, Extended29bits:
		require(a.rxOnly || (a.target != 0 && a.txID != 0), "target_address and txid are required for extended addressing")
		require(a.txOnly || (a.source != 0 && a.rxID != 0), "source_address and rxid are required for extended addressing")
		require(a.txID != a.rxID, "txid and rxid must differ for extended addressing")
	case Mixed11bits:
		require(a.extension != 0, "address_extension is required for 11-bit mixed addressing")
		require(a.txOnly || a.rxID != 0, "rxid is required for 11-bit mixed addressing")
		require(a.rxOnly || a.txID != 0, "txid is required for 11-bit mixed addressing")
		require(a.txID != a.rxID, "txid and rxid must differ for 11-bit mixed addressing")
	case Mixed29bits:
		require(a.target != 0 && a.source != 0 && a.extension != 0, "target_address, source_address and address_extension are required for 29-bit mixed addressing")
	default:
		return fmt.Errorf("unsupported addressing mode %d", a.mode)
	}

	for _, f := range []struct {
		name string
		val  int
	}{{"target_address", a.target}, {"source_address", a.source}, {"address_extension", a.extension}} {
		require(f.val >= 0 && f.val <= 0xFF, f.name+" must be between 0x00 and 0xFF")
	}
	require(a.txID >= 0, "txid must not be negative")
	require(a.rxID >= 0, "rxid must not be negative")
	if !a.is29Bit {
		require(a.txID <= 0x7FF, "txid must fit in 11 bits for a standard identifier")
		require(a.rxID <= 0x7FF, "rxid must fit in 11 bits for a standard identifier")
	}

	if len(problems) == 0 {
		return nil
	}
	msg := problems[0]
	for _, p := range problems[1:] {
		msg += "; " + p
	}
	return fmt.Errorf("%s", msg)
}

// buildMatcher closes over the fields IsForMe actually needs so that
// matching an incoming frame is a direct comparison rather than a switch
// re-evaluated on every call.
func (a *Address) buildMatcher() func(CanMessage) bool {
	switch a.mode {
	case Normal11bits, Normal29bits:
		return func(msg CanMessage) bool {
			return a.is29Bit == msg.ExtendedId && msg.ArbitrationId == a.rxID
		}
	case Extended11bits, Extended29bits:
		return func(msg CanMessage) bool {
			return a.is29Bit == msg.ExtendedId && len(msg.Data) > 0 &&
				msg.ArbitrationId == a.rxID && int(msg.Data[0]) == a.source
		}
	case NormalFixed29bits:
		return func(msg CanMessage) bool {
			return a.is29Bit == msg.ExtendedId && a.matchesFixedArbitration(msg.ArbitrationId)
		}
	case Mixed11bits:
		return func(msg CanMessage) bool {
			return a.is29Bit == msg.ExtendedId && len(msg.Data) > 0 &&
				msg.ArbitrationId == a.rxID && int(msg.Data[0]) == a.extension
		}
	case Mixed29bits:
		return func(msg CanMessage) bool {
			return a.is29Bit == msg.ExtendedId && len(msg.Data) > 0 &&
				a.matchesFixedArbitration(msg.ArbitrationId) && int(msg.Data[0]) == a.extension
		}
	default:
		return func(CanMessage) bool { return false }
	}
}

func (a *Address) matchesFixedArbitration(id int) bool {
	if id&0x1FFF0000 != a.physicalBase && id&0x1FFF0000 != a.functionalBase {
		return false
	}
	return (id&0xFF00)>>8 == a.source && id&0xFF == a.target
}

func (a *Address) GetTxArbitrationId(addressType uint32) int {
	if a.rxOnly {
		panic("address is rx-only: no tx arbitration id")
	}
	if fixed, ok := a.fixedArbitrationId(addressType, a.target, a.source); ok {
		return fixed
	}
	return a.txID
}

func (a *Address) GetRxArbitrationId(addressType uint32) int {
	if a.txOnly {
		panic("address is tx-only: no rx arbitration id")
	}
	if fixed, ok := a.fixedArbitrationId(addressType, a.source, a.target); ok {
		return fixed
	}
	return a.rxID
}

// fixedArbitrationId computes the arbitration ID for the two 29-bit fixed
// schemes, where the ID always encodes target/source rather than a
// configured txID/rxID; it reports ok=false for every other mode, whose IDs
// are the raw configured value instead.
func (a *Address) fixedArbitrationId(addressType uint32, high, low int) (int, bool) {
	switch a.mode {
	case NormalFixed29bits, Mixed29bits:
		base := a.physicalBase
		if addressType == Functional {
			base = a.functionalBase
		}
		return base | (high << 8) | low, true
	default:
		return 0, false
	}
}

func (a *Address) IsTx29Bit() bool {
	if a.rxOnly {
		panic("address is rx-only: no tx side")
	}
	return a.is29Bit
}

func (a *Address) IsForMe(msg CanMessage) bool {
	if a.txOnly {
		panic("address is tx-only: cannot match incoming frames")
	}
	return a.matchesIncoming(msg)
}

func (a *Address) GetRxPrefixSize() int {
	return a.rxPrefixLen
}

func (a *Address) GetTxPayloadPrefix() []byte {
	return a.txPrefix
}

// AsymmetricAddress pairs a tx-only Address with an rx-only Address so the
// two directions of a session can run different addressing modes, e.g.
// Mixed29bits outbound with NormalFixed29bits inbound.
type AsymmetricAddress struct {
	tx *Address
	rx *Address
}

// NewAsymmetricAddress builds an AsymmetricAddress from a tx-only and an
// rx-only Address, panicking if either side was not configured for the
// direction it is being assigned to.
func NewAsymmetricAddress(tx, rx *Address) *AsymmetricAddress {
	if tx == nil || rx == nil {
		panic("both tx and rx addresses must be provided")
	}
	if !tx.txOnly {
		panic("tx address must be configured as tx-only")
	}
	if !rx.rxOnly {
		panic("rx address must be configured as rx-only")
	}
	return &AsymmetricAddress{tx: tx, rx: rx}
}

func (a *AsymmetricAddress) GetTxArbitrationId(addressType uint32) int {
	return a.tx.GetTxArbitrationId(addressType)
}

func (a *AsymmetricAddress) GetTxPayloadPrefix() []byte {
	return a.tx.GetTxPayloadPrefix()
}

func (a *AsymmetricAddress) IsTx29Bit() bool {
	return a.tx.IsTx29Bit()
}

func (a *AsymmetricAddress) GetRxPrefixSize() int {
	return a.rx.GetRxPrefixSize()
}

func (a *AsymmetricAddress) IsForMe(msg CanMessage) bool {
	return a.rx.IsForMe(msg)
}
