package reputation

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

func newTestManager(t *testing.T) *Manager {
	return NewManager(DefaultParams(), testLogger(t))
}

func addr(suffix byte) *common.Address {
	a := common.BytesToAddress([]byte{0xaa, suffix})
	return &a
}

func TestGetStatus(t *testing.T) {
	t.Run("unknown address is OK", func(t *testing.T) {
		m := newTestManager(t)
		assert.Equal(t, StatusOK, m.GetStatus(addr(1)))
	})

	t.Run("nil address is OK", func(t *testing.T) {
		m := newTestManager(t)
		assert.Equal(t, StatusOK, m.GetStatus(nil))
	})

	t.Run("inclusions keep an active entity OK", func(t *testing.T) {
		m := newTestManager(t)
		a := addr(2)
		for i := 0; i < 100; i++ {
			m.UpdateSeenStatus(a)
			m.UpdateIncludedStatus(a)
		}
		assert.Equal(t, StatusOK, m.GetStatus(a))
	})

	t.Run("seen without inclusion first throttles then bans", func(t *testing.T) {
		m := newTestManager(t)
		a := addr(3)

		for i := 0; i < 30; i++ {
			m.UpdateSeenStatus(a)
		}
		// score 30 is above throttlingSlack 10, below banSlack 50
		assert.Equal(t, StatusThrottled, m.GetStatus(a))

		for i := 0; i < 30; i++ {
			m.UpdateSeenStatus(a)
		}
		assert.Equal(t, StatusBanned, m.GetStatus(a))
	})

	t.Run("crashedHandleOps forces a ban", func(t *testing.T) {
		m := newTestManager(t)
		a := addr(4)
		for i := 0; i < 50; i++ {
			m.UpdateSeenStatus(a)
			m.UpdateIncludedStatus(a)
		}

		m.CrashedHandleOps(a)
		assert.Equal(t, StatusBanned, m.GetStatus(a))

		dump := m.Dump()
		require.Len(t, dump, 1)
		assert.Equal(t, uint64(100), dump[0].OpsSeen)
		assert.Equal(t, uint64(0), dump[0].OpsIncluded)
	})

	t.Run("denylist pins BANNED, allowlist pins OK", func(t *testing.T) {
		m := newTestManager(t)
		banned, blessed := addr(5), addr(6)

		m.SetDenylist([]common.Address{*banned})
		m.SetAllowlist([]common.Address{*blessed})

		assert.Equal(t, StatusBanned, m.GetStatus(banned))

		for i := 0; i < 2000; i++ {
			m.UpdateSeenStatus(blessed)
		}
		assert.Equal(t, StatusOK, m.GetStatus(blessed))
	})
}

func TestDecay(t *testing.T) {
	m := newTestManager(t)
	a := addr(7)
	m.SetReputation([]*Entry{{Address: *a, OpsSeen: 100, OpsIncluded: 24}})

	m.Decay()

	dump := m.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, uint64(95), dump[0].OpsSeen, "100*23/24 truncated")
	assert.Equal(t, uint64(23), dump[0].OpsIncluded)

	// decay converges to zero, entries are never removed
	for i := 0; i < 200; i++ {
		m.Decay()
	}
	dump = m.Dump()
	require.Len(t, dump, 1)
	assert.Zero(t, dump[0].OpsSeen)
}

func TestCheckStake(t *testing.T) {
	params := DefaultParams()
	params.MinStake = big.NewInt(1000)
	params.MinUnstakeDelay = big.NewInt(86400)
	m := NewManager(params, testLogger(t))

	t.Run("nil entity passes", func(t *testing.T) {
		assert.NoError(t, m.CheckStake("paymaster", nil))
	})

	t.Run("sufficient stake passes", func(t *testing.T) {
		err := m.CheckStake("paymaster", &model.StakeInfo{
			Addr:            *addr(8),
			Stake:           big.NewInt(5000),
			UnstakeDelaySec: big.NewInt(86400),
		})
		assert.NoError(t, err)
	})

	t.Run("low stake is an insufficient-stake error", func(t *testing.T) {
		err := m.CheckStake("factory", &model.StakeInfo{
			Addr:            *addr(9),
			Stake:           big.NewInt(10),
			UnstakeDelaySec: big.NewInt(86400),
		})
		require.Error(t, err)
		rpcErr, ok := err.(*model.RPCError)
		require.True(t, ok)
		assert.Equal(t, model.CodeInsufficientStake, rpcErr.ErrorCode())
	})

	t.Run("short unstake delay is an insufficient-stake error", func(t *testing.T) {
		err := m.CheckStake("paymaster", &model.StakeInfo{
			Addr:            *addr(10),
			Stake:           big.NewInt(5000),
			UnstakeDelaySec: big.NewInt(60),
		})
		require.Error(t, err)
		rpcErr, ok := err.(*model.RPCError)
		require.True(t, ok)
		assert.Equal(t, model.CodeInsufficientStake, rpcErr.ErrorCode())
	})

	t.Run("banned entity fails regardless of stake", func(t *testing.T) {
		a := addr(11)
		m.SetDenylist([]common.Address{*a})
		err := m.CheckStake("paymaster", &model.StakeInfo{
			Addr:            *a,
			Stake:           big.NewInt(5000),
			UnstakeDelaySec: big.NewInt(86400),
		})
		require.Error(t, err)
		rpcErr, ok := err.(*model.RPCError)
		require.True(t, ok)
		assert.Equal(t, model.CodeReputation, rpcErr.ErrorCode())
	})
}
