package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StakeInfo describes an entity's deposit on the EntryPoint as observed
// during simulated validation.
type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec *big.Int       `json:"unstakeDelaySec"`
}

// ReturnInfo is the EntryPoint's ValidationResult.returnInfo tuple.
type ReturnInfo struct {
	PreOpGas   *big.Int `json:"preOpGas"`
	Prefund    *big.Int `json:"prefund"`
	SigFailed  bool     `json:"sigFailed"`
	ValidAfter uint64   `json:"validAfter"`
	ValidUntil uint64   `json:"validUntil"`
}

// CodeHashes maps every externally-accessed contract observed during
// validation to the keccak of its code. A second validation of the same
// op must see identical hashes.
type CodeHashes map[common.Address]common.Hash

// AccountStorage is one entry of a StorageMap: either the account's full
// storage root, or individual slot values.
type AccountStorage struct {
	RootHash *common.Hash
	Slots    map[common.Hash]common.Hash
}

// StorageMap records the storage an op's validation touched. It doubles
// as the knownAccounts hint for eth_sendRawTransactionConditional, hence
// the custom JSON shape: a bare hex string for a root hash, an object of
// slot -> value otherwise.
type StorageMap map[common.Address]*AccountStorage

func (a *AccountStorage) MarshalJSON() ([]byte, error) {
	if a.RootHash != nil {
		return json.Marshal(a.RootHash.Hex())
	}

	slots := make(map[string]string, len(a.Slots))
	for k, v := range a.Slots {
		slots[k.Hex()] = v.Hex()
	}
	return json.Marshal(slots)
}

// Merge folds src into the map. It returns false when both sides assert
// the same slot with different values, which makes the bundle unsafe.
func (m StorageMap) Merge(src StorageMap) bool {
	for addr, incoming := range src {
		existing, ok := m[addr]
		if !ok {
			m[addr] = incoming.clone()
			continue
		}

		if incoming.RootHash != nil || existing.RootHash != nil {
			// a root hash subsumes slot entries; conflicting roots are unsafe
			if incoming.RootHash != nil && existing.RootHash != nil && *incoming.RootHash != *existing.RootHash {
				return false
			}
			if incoming.RootHash != nil {
				existing.RootHash = incoming.RootHash
			}
			continue
		}

		for slot, value := range incoming.Slots {
			if prev, seen := existing.Slots[slot]; seen && prev != value {
				return false
			}
			existing.Slots[slot] = value
		}
	}
	return true
}

func (a *AccountStorage) clone() *AccountStorage {
	out := &AccountStorage{}
	if a.RootHash != nil {
		h := *a.RootHash
		out.RootHash = &h
	}
	if a.Slots != nil {
		out.Slots = make(map[common.Hash]common.Hash, len(a.Slots))
		for k, v := range a.Slots {
			out.Slots[k] = v
		}
	}
	return out
}

// ValidationResult is the full outcome of validating one UserOperation.
type ValidationResult struct {
	ReturnInfo     *ReturnInfo
	SenderInfo     *StakeInfo
	FactoryInfo    *StakeInfo
	PaymasterInfo  *StakeInfo
	AggregatorInfo *StakeInfo

	ReferencedContracts CodeHashes
	StorageMap          StorageMap
}
