package burn

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxIn is a transaction input. Value is the amount of the spent output; the
// L1 observer resolves it against its own view of the chain before handing
// the transaction to us.
type TxIn struct {
	PrevTxHash common.Hash `json:"prev_tx_hash"`
	PrevIndex  uint32      `json:"prev_index"`
	Value      uint64      `json:"value"`
}

// TxOut is a transaction output.
type TxOut struct {
	Value  uint64 `json:"value"`
	Script []byte `json:"script"`
}

// Tx is the subset of an L1 transaction the bridge core needs: input values,
// outputs and the fee the transaction paid.
type Tx struct {
	Inputs  []TxIn  `json:"inputs"`
	Outputs []TxOut `json:"outputs"`
	Fee     uint64  `json:"fee"`
}

const maxScriptLen = 10_000

// Encode serializes the transaction. Counts and integers are little-endian.
func (tx *Tx) Encode() []byte {
	size := 4 + len(tx.Inputs)*(32+4+8) + 4 + 8
	for _, out := range tx.Outputs {
		size += 8 + 4 + len(out.Script)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxHash[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevIndex)
		buf = binary.LittleEndian.AppendUint64(buf, in.Value)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)
	return buf
}

// DecodeTx parses a transaction produced by Encode.
func DecodeTx(raw []byte) (*Tx, error) {
	r := txReader{buf: raw}

	inCount := r.uint32()
	if inCount > 100_000 {
		return nil, fmt.Errorf("input count %d too large", inCount)
	}
	tx := &Tx{Inputs: make([]TxIn, 0, inCount)}
	for i := uint32(0); i < inCount && r.err == nil; i++ {
		var in TxIn
		copy(in.PrevTxHash[:], r.bytes(32))
		in.PrevIndex = r.uint32()
		in.Value = r.uint64()
		tx.Inputs = append(tx.Inputs, in)
	}

	outCount := r.uint32()
	if outCount > 100_000 {
		return nil, fmt.Errorf("output count %d too large", outCount)
	}
	tx.Outputs = make([]TxOut, 0, outCount)
	for i := uint32(0); i < outCount && r.err == nil; i++ {
		var out TxOut
		out.Value = r.uint64()
		scriptLen := r.uint32()
		if scriptLen > maxScriptLen {
			return nil, fmt.Errorf("script length %d too large", scriptLen)
		}
		out.Script = append([]byte(nil), r.bytes(int(scriptLen))...)
		tx.Outputs = append(tx.Outputs, out)
	}
	tx.Fee = r.uint64()

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != r.off {
		return nil, fmt.Errorf("%d trailing bytes after transaction", len(r.buf)-r.off)
	}
	return tx, nil
}

// Hash returns the transaction id, the keccak256 of the encoding.
func (tx *Tx) Hash() common.Hash {
	return crypto.Keccak256Hash(tx.Encode())
}

// BurnOutputIndex returns the index of the first valid burn output, or -1.
func (tx *Tx) BurnOutputIndex() int {
	for i, out := range tx.Outputs {
		if IsBurnScript(out.Script) {
			return i
		}
	}
	return -1
}

// ParsePayload scans the outputs for a burn output and parses its payload.
func (tx *Tx) ParsePayload() (Payload, error) {
	idx := tx.BurnOutputIndex()
	if idx < 0 {
		return Payload{}, &FormatError{Reason: "no burn output"}
	}
	return ParseScript(tx.Outputs[idx].Script)
}

// ComputeDestroyedAmount returns the value destroyed by the transaction:
// the sum of inputs minus all non-burn outputs minus the fee. This must
// equal the amount declared in the burn payload exactly.
func ComputeDestroyedAmount(tx *Tx) (uint64, error) {
	var in uint64
	for _, txin := range tx.Inputs {
		next := in + txin.Value
		if next < in {
			return 0, fmt.Errorf("input value overflow")
		}
		in = next
	}

	var out uint64
	for _, txout := range tx.Outputs {
		if IsBurnScript(txout.Script) {
			continue
		}
		next := out + txout.Value
		if next < out {
			return 0, fmt.Errorf("output value overflow")
		}
		out = next
	}

	spent := out + tx.Fee
	if spent < out {
		return 0, fmt.Errorf("fee overflow")
	}
	if in < spent {
		return 0, fmt.Errorf("outputs plus fee (%d) exceed inputs (%d)", spent, in)
	}
	return in - spent, nil
}

type txReader struct {
	buf []byte
	off int
	err error
}

func (r *txReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated transaction at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *txReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *txReader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
