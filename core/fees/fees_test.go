package fees

import (
	"context"
	"math/big"
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHead struct {
	baseFee *big.Int
	tip     *big.Int
}

func (f *fakeHead) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeHead) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tip, nil
}

func TestGetFeeData(t *testing.T) {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)

	oracle := NewOracle(&fakeHead{
		baseFee: big.NewInt(10_000_000_000),
		tip:     big.NewInt(1_000_000_000),
	}, "", logger)

	data, err := oracle.GetFeeData(context.Background())
	require.NoError(t, err)

	// maxFee = 2*baseFee + tip
	assert.Equal(t, int64(21_000_000_000), data.MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), data.MaxPriorityFeePerGas.Int64())
}
