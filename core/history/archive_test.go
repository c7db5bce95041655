package history

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vechain/4337-bundler/storage"
)

func openDB(t *testing.T) storage.Storage {
	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestArchiveRoundTrip(t *testing.T) {
	archive := NewArchive(openDB(t))

	hash := common.BytesToHash([]byte{0x42})

	t.Run("unknown hash is nil without error", func(t *testing.T) {
		record, err := archive.Get(hash)
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("put then get", func(t *testing.T) {
		in := &InclusionRecord{
			UserOpHash:      hash,
			Sender:          common.BytesToAddress([]byte{0x01}),
			Paymaster:       common.BytesToAddress([]byte{0xee}),
			Nonce:           big.NewInt(7),
			Success:         true,
			ActualGasCost:   big.NewInt(1000),
			ActualGasUsed:   big.NewInt(2000),
			TransactionHash: common.BytesToHash([]byte{0x99}),
			BlockNumber:     1234,
		}
		require.NoError(t, archive.Put(in))

		out, err := archive.Get(hash)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.Sender, out.Sender)
		assert.Equal(t, in.BlockNumber, out.BlockNumber)
		assert.Zero(t, in.ActualGasCost.Cmp(out.ActualGasCost))
		assert.True(t, out.Success)

		count, err := archive.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestLastBlockCursor(t *testing.T) {
	archive := NewArchive(openDB(t))

	assert.Zero(t, archive.LastBlock(), "fresh archive has no cursor")

	require.NoError(t, archive.SetLastBlock(77))
	assert.Equal(t, uint64(77), archive.LastBlock())

	require.NoError(t, archive.SetLastBlock(78))
	assert.Equal(t, uint64(78), archive.LastBlock())
}
