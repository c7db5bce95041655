package mempool

import (
	"math/big"
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vechain/4337-bundler/model"
)

func testLogger(t *testing.T) sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)
	return logger
}

func makeEntry(sender byte, nonce int64, tip int64) *Entry {
	op := &model.UserOperation{
		Sender:               common.BytesToAddress([]byte{sender}),
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(tip * 2),
		MaxPriorityFeePerGas: big.NewInt(tip),
	}
	return &Entry{
		UserOp:     op,
		UserOpHash: common.BytesToHash([]byte{sender, byte(nonce), byte(tip)}),
		Prefund:    big.NewInt(1),
	}
}

func TestAddUserOp(t *testing.T) {
	t.Run("one entry per sender and nonce", func(t *testing.T) {
		mp := New(0, testLogger(t))

		require.NoError(t, mp.AddUserOp(makeEntry(1, 0, 100)))
		require.NoError(t, mp.AddUserOp(makeEntry(1, 1, 100)))
		require.NoError(t, mp.AddUserOp(makeEntry(2, 0, 100)))
		assert.Equal(t, 3, mp.Count())
	})

	t.Run("exact 10 percent bump replaces", func(t *testing.T) {
		mp := New(0, testLogger(t))

		require.NoError(t, mp.AddUserOp(makeEntry(1, 5, 100_000_000_000)))
		require.NoError(t, mp.AddUserOp(makeEntry(1, 5, 110_000_000_000)))

		assert.Equal(t, 1, mp.Count())
		dump := mp.Dump()
		assert.Equal(t, int64(110_000_000_000), dump[0].UserOp.MaxPriorityFeePerGas.Int64())
	})

	t.Run("a hair under 10 percent is rejected", func(t *testing.T) {
		mp := New(0, testLogger(t))

		require.NoError(t, mp.AddUserOp(makeEntry(1, 5, 100_000_000_000)))
		err := mp.AddUserOp(makeEntry(1, 5, 109_999_999_999))
		require.Error(t, err)

		dump := mp.Dump()
		assert.Equal(t, int64(100_000_000_000), dump[0].UserOp.MaxPriorityFeePerGas.Int64())
	})

	t.Run("identical resubmission is rejected, pool unchanged", func(t *testing.T) {
		mp := New(0, testLogger(t))

		first := makeEntry(1, 0, 100)
		require.NoError(t, mp.AddUserOp(first))
		require.Error(t, mp.AddUserOp(makeEntry(1, 0, 100)))
		assert.Equal(t, 1, mp.Count())
	})
}

func TestCapacity(t *testing.T) {
	t.Run("overflow evicts the lowest tip", func(t *testing.T) {
		mp := New(2, testLogger(t))

		require.NoError(t, mp.AddUserOp(makeEntry(1, 0, 10)))
		require.NoError(t, mp.AddUserOp(makeEntry(2, 0, 20)))
		require.NoError(t, mp.AddUserOp(makeEntry(3, 0, 30)))

		assert.Equal(t, 2, mp.Count())
		assert.False(t, mp.HasSender(common.BytesToAddress([]byte{1})), "lowest tip evicted")
	})

	t.Run("tip at or below the floor is rejected when full", func(t *testing.T) {
		mp := New(2, testLogger(t))

		require.NoError(t, mp.AddUserOp(makeEntry(1, 0, 10)))
		require.NoError(t, mp.AddUserOp(makeEntry(2, 0, 20)))

		require.Error(t, mp.AddUserOp(makeEntry(3, 0, 10)))
		require.Error(t, mp.AddUserOp(makeEntry(4, 0, 5)))
		assert.Equal(t, 2, mp.Count())
	})
}

func TestGetSortedForInclusion(t *testing.T) {
	mp := New(0, testLogger(t))

	require.NoError(t, mp.AddUserOp(makeEntry(1, 0, 50)))
	require.NoError(t, mp.AddUserOp(makeEntry(2, 0, 200)))
	require.NoError(t, mp.AddUserOp(makeEntry(3, 0, 100)))
	// equal tip: insertion order is the tie-break
	require.NoError(t, mp.AddUserOp(makeEntry(4, 0, 100)))

	sorted := mp.GetSortedForInclusion()
	require.Len(t, sorted, 4)

	assert.Equal(t, byte(2), sorted[0].UserOp.Sender.Bytes()[19])
	assert.Equal(t, byte(3), sorted[1].UserOp.Sender.Bytes()[19])
	assert.Equal(t, byte(4), sorted[2].UserOp.Sender.Bytes()[19])
	assert.Equal(t, byte(1), sorted[3].UserOp.Sender.Bytes()[19])
}

func TestRemoveUserOp(t *testing.T) {
	mp := New(0, testLogger(t))

	entry := makeEntry(1, 0, 100)
	require.NoError(t, mp.AddUserOp(entry))

	mp.RemoveUserOp(entry.UserOp)
	assert.Equal(t, 0, mp.Count())

	// removal is idempotent
	mp.RemoveUserOp(entry.UserOp)
	mp.RemoveByHash(entry.UserOpHash)
	assert.Equal(t, 0, mp.Count())
}

func TestCountByEntity(t *testing.T) {
	mp := New(0, testLogger(t))

	paymaster := common.BytesToAddress([]byte{0xee})

	for i := int64(0); i < 3; i++ {
		e := makeEntry(1, i, 100)
		e.UserOp.PaymasterAndData = paymaster.Bytes()
		require.NoError(t, mp.AddUserOp(e))
	}
	require.NoError(t, mp.AddUserOp(makeEntry(2, 0, 100)))

	assert.Equal(t, 3, mp.CountByEntity(common.BytesToAddress([]byte{1})))
	assert.Equal(t, 3, mp.CountByEntity(paymaster))
	assert.Equal(t, 1, mp.CountByEntity(common.BytesToAddress([]byte{2})))
	assert.Equal(t, 0, mp.CountByEntity(common.BytesToAddress([]byte{9})))
}
