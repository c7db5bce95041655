package history

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vechain/4337-bundler/model"
	"github.com/vechain/4337-bundler/storage"
)

const (
	opKeyPrefix = "op:"
	cursorKey   = "events:lastblock"
)

// InclusionRecord captures one observed UserOperationEvent together with
// the op as it was admitted. It backs eth_getUserOperationByHash and
// eth_getUserOperationReceipt without rescanning chain logs. The archive
// is a cache: losing it only degrades lookups until re-sync.
type InclusionRecord struct {
	UserOpHash      common.Hash          `json:"userOpHash"`
	UserOp          *model.UserOperation `json:"userOperation,omitempty"`
	Sender          common.Address       `json:"sender"`
	Paymaster       common.Address       `json:"paymaster"`
	Nonce           *big.Int             `json:"nonce"`
	Success         bool                 `json:"success"`
	ActualGasCost   *big.Int             `json:"actualGasCost"`
	ActualGasUsed   *big.Int             `json:"actualGasUsed"`
	TransactionHash common.Hash          `json:"transactionHash"`
	BlockHash       common.Hash          `json:"blockHash"`
	BlockNumber     uint64               `json:"blockNumber"`
}

// Archive is the badger-backed index of included UserOperations plus the
// events cursor.
type Archive struct {
	db storage.Storage
}

func NewArchive(db storage.Storage) *Archive {
	return &Archive{db: db}
}

func opKey(hash common.Hash) []byte {
	return append([]byte(opKeyPrefix), hash.Bytes()...)
}

func (a *Archive) Put(record *InclusionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return a.db.Set(opKey(record.UserOpHash), raw)
}

// Get returns the record for a userOpHash, or nil when never seen.
func (a *Archive) Get(hash common.Hash) (*InclusionRecord, error) {
	exist, err := a.db.Exist(opKey(hash))
	if err != nil || !exist {
		return nil, err
	}

	raw, err := a.db.GetKey(opKey(hash))
	if err != nil {
		return nil, err
	}

	record := &InclusionRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, err
	}
	return record, nil
}

// LastBlock returns the highest block the events manager has processed,
// zero when fresh.
func (a *Archive) LastBlock() uint64 {
	exist, err := a.db.Exist([]byte(cursorKey))
	if err != nil || !exist {
		return 0
	}
	raw, err := a.db.GetKey([]byte(cursorKey))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (a *Archive) SetLastBlock(block uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, block)
	return a.db.Set([]byte(cursorKey), raw)
}

// Count reports how many inclusions are archived.
func (a *Archive) Count() (int64, error) {
	return a.db.CountKeysByPrefix([]byte(opKeyPrefix))
}
