// Package consensus collects confirmer attestations for validated burns and
// triggers the mint once a two-thirds majority agrees.
package consensus

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attestation is one confirmer's signed vote that a burn is valid and should
// be credited with the stated recipient and amount.
type Attestation struct {
	TxHash    common.Hash    `json:"txHash"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	Confirmer common.Address `json:"confirmer"`
	Timestamp uint64         `json:"timestamp"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Digest is the message the confirmer signs: every field that downstream
// crediting depends on, in fixed order.
func (a *Attestation) Digest() common.Hash {
	buf := make([]byte, 0, 32+20+8+20+8)
	buf = append(buf, a.TxHash[:]...)
	buf = append(buf, a.Recipient[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Amount)
	buf = append(buf, a.Confirmer[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Timestamp)
	return crypto.Keccak256Hash(buf)
}

// Sign fills in the confirmer address and signature from the private key.
func (a *Attestation) Sign(key *ecdsa.PrivateKey) error {
	a.Confirmer = crypto.PubkeyToAddress(key.PublicKey)

	digest := a.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("failed to sign attestation: %w", err)
	}
	a.Signature = sig
	return nil
}

// Verify recovers the signer from the signature and checks it matches the
// claimed confirmer.
func (a *Attestation) Verify() error {
	if len(a.Signature) != crypto.SignatureLength {
		return errors.New("attestation signature has wrong length")
	}
	digest := a.Digest()
	pub, err := crypto.SigToPub(digest[:], a.Signature)
	if err != nil {
		return fmt.Errorf("failed to recover attestation signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != a.Confirmer {
		return errors.New("attestation signature does not match confirmer")
	}
	return nil
}
