package types

import "github.com/ethereum/go-ethereum/common"

// ConsensusStatus represents the different states a burn can be in while
// confirmers vote on it
type ConsensusStatus string

const (
	// Pending - Burn is waiting for more confirmer attestations
	Pending ConsensusStatus = "PENDING"

	// Reached - A 2/3 majority of confirmers has attested to the burn
	Reached ConsensusStatus = "REACHED"

	// Minted - The burn has been credited on L2, terminal
	Minted ConsensusStatus = "MINTED"

	// Failed - Consensus was not reached within the timeout window; can be
	// reopened by resubmitting the burn
	Failed ConsensusStatus = "FAILED"
)

// BurnRecord is the durable record of a burn that has produced an L2 credit.
// Records are append-only and owned by the registry; the only mutation path
// that removes one is an L2 reorg rollback.
type BurnRecord struct {
	TxHash     common.Hash    `json:"tx_hash" bson:"tx_hash"`
	Recipient  common.Address `json:"recipient" bson:"recipient"`
	Amount     uint64         `json:"amount" bson:"amount"`
	CreditedAt uint64         `json:"credited_at" bson:"credited_at"`
	RecordedAt uint64         `json:"recorded_at" bson:"recorded_at"`
}
