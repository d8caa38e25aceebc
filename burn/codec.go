package burn

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Burn outputs are unspendable data outputs: the opcode, a single push of
// the 51-byte payload, nothing else.
//
// Payload layout:
//
//	offset 0  size 6   marker "L2BURN"
//	offset 6  size 4   chain id, little-endian
//	offset 10 size 33  recipient compressed public key (0x02/0x03 prefix)
//	offset 43 size 8   amount in base units, little-endian
const (
	// OpReturn marks an output as provably unspendable
	OpReturn byte = 0x6a

	Marker     = "L2BURN"
	MarkerSize = 6

	ChainIDSize = 4
	PubKeySize  = 33
	AmountSize  = 8

	// PayloadSize is the fixed burn payload length (6 + 4 + 33 + 8)
	PayloadSize = MarkerSize + ChainIDSize + PubKeySize + AmountSize

	// ScriptSize is opcode + push-length byte + payload
	ScriptSize = 2 + PayloadSize
)

const (
	// MinBurnAmount is one base unit
	MinBurnAmount uint64 = 1

	// MaxBurnAmount is the full 21 million coin supply in base units
	MaxBurnAmount uint64 = 21_000_000 * 100_000_000
)

// Payload is the data carried inside a burn output. Immutable once parsed.
type Payload struct {
	ChainID   uint32           `json:"chain_id"`
	Recipient [PubKeySize]byte `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

// FormatError is a structural rejection of a candidate burn script. It never
// reflects transient state; a script that fails once fails forever.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "invalid burn script: " + e.Reason
}

func formatErrf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// ParseScript parses a burn output script into a Payload. Any deviation from
// the fixed format is a *FormatError; there is no partial acceptance.
func ParseScript(script []byte) (Payload, error) {
	var p Payload

	if len(script) != ScriptSize {
		return p, formatErrf("length %d, want %d", len(script), ScriptSize)
	}
	if script[0] != OpReturn {
		return p, formatErrf("missing unspendable opcode")
	}
	if script[1] != PayloadSize {
		return p, formatErrf("push length %d, want %d", script[1], PayloadSize)
	}

	data := script[2:]
	if !bytes.Equal(data[:MarkerSize], []byte(Marker)) {
		return p, formatErrf("marker mismatch")
	}

	p.ChainID = binary.LittleEndian.Uint32(data[MarkerSize:])
	if p.ChainID == 0 {
		return p, formatErrf("zero chain id")
	}

	copy(p.Recipient[:], data[MarkerSize+ChainIDSize:])
	if p.Recipient[0] != 0x02 && p.Recipient[0] != 0x03 {
		return p, formatErrf("recipient key prefix 0x%02x, want 0x02 or 0x03", p.Recipient[0])
	}

	p.Amount = binary.LittleEndian.Uint64(data[MarkerSize+ChainIDSize+PubKeySize:])
	if p.Amount < MinBurnAmount {
		return p, formatErrf("zero amount")
	}
	if p.Amount > MaxBurnAmount {
		return p, formatErrf("amount %d exceeds maximum", p.Amount)
	}

	return p, nil
}

// EncodeScript is the inverse of ParseScript and round-trips byte for byte.
func EncodeScript(p Payload) ([]byte, error) {
	if p.ChainID == 0 {
		return nil, formatErrf("zero chain id")
	}
	if p.Recipient[0] != 0x02 && p.Recipient[0] != 0x03 {
		return nil, formatErrf("recipient key prefix 0x%02x, want 0x02 or 0x03", p.Recipient[0])
	}
	if p.Amount < MinBurnAmount || p.Amount > MaxBurnAmount {
		return nil, formatErrf("amount %d out of range", p.Amount)
	}

	script := make([]byte, 0, ScriptSize)
	script = append(script, OpReturn, PayloadSize)
	script = append(script, Marker...)
	script = binary.LittleEndian.AppendUint32(script, p.ChainID)
	script = append(script, p.Recipient[:]...)
	script = binary.LittleEndian.AppendUint64(script, p.Amount)
	return script, nil
}

// IsBurnScript reports whether a script parses as a burn output.
func IsBurnScript(script []byte) bool {
	_, err := ParseScript(script)
	return err == nil
}

// RecipientAddress derives the L2 address from the recipient public key.
// Fails if the 33 bytes are not a point on the curve.
func (p Payload) RecipientAddress() (common.Address, error) {
	pub, err := crypto.DecompressPubkey(p.Recipient[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid recipient public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
