package validation

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/model"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func testLogger(t *testing.T) sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)
	return logger
}

// fakeCaller scripts upstream responses per method.
type fakeCaller struct {
	handlers map[string]func(result interface{}, args ...interface{}) error
}

func (f *fakeCaller) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	handler, ok := f.handlers[method]
	if !ok {
		return fmt.Errorf("unexpected upstream call %s", method)
	}
	return handler(result, args...)
}

// fakeRevert carries revert data the way a node error does.
type fakeRevert struct {
	data string
}

func (e *fakeRevert) Error() string          { return "execution reverted" }
func (e *fakeRevert) ErrorData() interface{} { return e.data }

type fakeSenders struct {
	known map[common.Address]bool
}

func (f *fakeSenders) HasSender(addr common.Address) bool { return f.known[addr] }

type fakeStakes struct {
	failFor map[common.Address]error
}

func (f *fakeStakes) CheckStake(kind string, info *model.StakeInfo) error {
	if info == nil {
		return nil
	}
	return f.failFor[info.Addr]
}

func baseOp() *model.UserOperation {
	op := &model.UserOperation{
		Sender:               common.HexToAddress("0x4CB0AE959153b2f73C8Ba64a9A74fD5eA7209E18"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(200_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            make([]byte, 65),
	}
	op.PreVerificationGas = CalcPreVerificationGas(op, DefaultGasOverheads())
	return op
}

type retTuple struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type stakeTuple struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

func packValidationResult(t *testing.T, ret retTuple) []byte {
	abiErr := aa.ABI().Errors["ValidationResult"]
	zero := stakeTuple{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)}
	packed, err := abiErr.Inputs.Pack(ret, zero, zero, zero)
	require.NoError(t, err)
	return append(abiErr.ID.Bytes()[:4], packed...)
}

func packFailedOp(t *testing.T, index int64, reason string) []byte {
	abiErr := aa.ABI().Errors["FailedOp"]
	packed, err := abiErr.Inputs.Pack(big.NewInt(index), reason)
	require.NoError(t, err)
	return append(abiErr.ID.Bytes()[:4], packed...)
}

func newUnsafeManager(t *testing.T, revertData []byte) *Manager {
	caller := &fakeCaller{handlers: map[string]func(interface{}, ...interface{}) error{
		"eth_call": func(result interface{}, args ...interface{}) error {
			return &fakeRevert{data: hexutil.Encode(revertData)}
		},
	}}
	return NewManager(caller, &fakeSenders{}, &fakeStakes{}, Config{
		EntryPoint: testEntryPoint,
		Unsafe:     true,
	}, testLogger(t))
}

func okReturnInfo() retTuple {
	return retTuple{
		PreOpGas:         big.NewInt(50_000),
		Prefund:          big.NewInt(1_000_000),
		SigFailed:        false,
		ValidAfter:       big.NewInt(0),
		ValidUntil:       big.NewInt(0),
		PaymasterContext: []byte{},
	}
}

func TestStaticChecks(t *testing.T) {
	m := newUnsafeManager(t, packValidationResult(t, okReturnInfo()))

	t.Run("verificationGasLimit above the cap", func(t *testing.T) {
		op := baseOp()
		op.VerificationGasLimit = big.NewInt(20_000_000)
		_, err := m.ValidateUserOp(context.Background(), op, nil, true)
		requireRPCCode(t, err, model.CodeInvalidFields)
	})

	t.Run("maxFeePerGas below the tip", func(t *testing.T) {
		op := baseOp()
		op.MaxFeePerGas = big.NewInt(1)
		_, err := m.ValidateUserOp(context.Background(), op, nil, true)
		requireRPCCode(t, err, model.CodeInvalidFields)
	})

	t.Run("preVerificationGas below the calculated minimum", func(t *testing.T) {
		op := baseOp()
		op.PreVerificationGas = big.NewInt(21_000)
		_, err := m.ValidateUserOp(context.Background(), op, nil, true)
		requireRPCCode(t, err, model.CodeInvalidFields)
	})
}

func TestValidateUnsafe(t *testing.T) {
	t.Run("ValidationResult revert is a success", func(t *testing.T) {
		m := newUnsafeManager(t, packValidationResult(t, okReturnInfo()))

		result, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		require.NoError(t, err)
		assert.Equal(t, int64(50_000), result.ReturnInfo.PreOpGas.Int64())
		assert.Equal(t, int64(1_000_000), result.ReturnInfo.Prefund.Int64())
		assert.False(t, result.ReturnInfo.SigFailed)
	})

	t.Run("sigFailed on a deployed account is invalid signature", func(t *testing.T) {
		ret := okReturnInfo()
		ret.SigFailed = true
		m := newUnsafeManager(t, packValidationResult(t, ret))

		_, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		requireRPCCode(t, err, model.CodeInvalidSignature)
	})

	t.Run("validUntil in the near future expires shortly", func(t *testing.T) {
		ret := okReturnInfo()
		ret.ValidUntil = big.NewInt(time.Now().Add(5 * time.Second).Unix())
		m := newUnsafeManager(t, packValidationResult(t, ret))

		_, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		requireRPCCode(t, err, model.CodeExpiresShortly)
	})

	t.Run("FailedOp revert fails validation", func(t *testing.T) {
		m := newUnsafeManager(t, packFailedOp(t, 0, "AA23 reverted (or OOG)"))

		_, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		requireRPCCode(t, err, model.CodeSimulateValidation)
	})

	t.Run("AA3 FailedOp is attributed to the paymaster", func(t *testing.T) {
		m := newUnsafeManager(t, packFailedOp(t, 0, "AA31 paymaster deposit too low"))

		_, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		requireRPCCode(t, err, model.CodeSimulatePaymasterValidation)
	})

	t.Run("arbitrary revert fails validation", func(t *testing.T) {
		m := newUnsafeManager(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05})

		_, err := m.ValidateUserOp(context.Background(), baseOp(), nil, true)
		requireRPCCode(t, err, model.CodeSimulateValidation)
	})
}

func TestCheckOpcodesAndStorage(t *testing.T) {
	op := baseOp()
	result := &model.ValidationResult{
		ReturnInfo: &model.ReturnInfo{PreOpGas: big.NewInt(1), Prefund: big.NewInt(1)},
		SenderInfo: &model.StakeInfo{Addr: op.Sender, Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
	}

	newManager := func(senders *fakeSenders, stakes *fakeStakes) *Manager {
		return NewManager(&fakeCaller{}, senders, stakes, Config{EntryPoint: testEntryPoint}, testLogger(t))
	}

	t.Run("banned opcode is rejected", func(t *testing.T) {
		m := newManager(&fakeSenders{}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: op.Sender.Hex(),
			Opcodes:               map[string]int{"GASPRICE": 1},
		}}}

		err := m.checkOpcodesAndStorage(op, trace, result, true)
		requireRPCCode(t, err, model.CodeOpcodeValidation)
	})

	t.Run("CREATE2 outside the factory phase is rejected", func(t *testing.T) {
		m := newManager(&fakeSenders{}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: op.Sender.Hex(),
			Opcodes:               map[string]int{"CREATE2": 1},
		}}}

		err := m.checkOpcodesAndStorage(op, trace, result, true)
		requireRPCCode(t, err, model.CodeOpcodeValidation)
	})

	t.Run("single CREATE2 in the factory phase passes", func(t *testing.T) {
		factory := common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
		deployOp := baseOp()
		deployOp.InitCode = append(factory.Bytes(), 0x01)

		deployResult := &model.ValidationResult{
			ReturnInfo:  result.ReturnInfo,
			SenderInfo:  result.SenderInfo,
			FactoryInfo: &model.StakeInfo{Addr: factory, Stake: big.NewInt(1), UnstakeDelaySec: big.NewInt(1)},
		}

		m := newManager(&fakeSenders{}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: factory.Hex(),
			Opcodes:               map[string]int{"CREATE2": 1},
		}}}

		assert.NoError(t, m.checkOpcodesAndStorage(deployOp, trace, deployResult, true))
	})

	t.Run("touching another pending sender's storage is rejected", func(t *testing.T) {
		other := common.HexToAddress("0x1111111111111111111111111111111111111111")
		m := newManager(&fakeSenders{known: map[common.Address]bool{other: true}}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: op.Sender.Hex(),
			Access: map[common.Address]*AccessInfo{
				other: {Reads: map[string]string{"0x0": "0x0"}},
			},
		}}}

		err := m.checkOpcodesAndStorage(op, trace, result, true)
		requireRPCCode(t, err, model.CodeOpcodeValidation)
	})

	t.Run("sender's own storage is always fine", func(t *testing.T) {
		m := newManager(&fakeSenders{}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: op.Sender.Hex(),
			Access: map[common.Address]*AccessInfo{
				op.Sender: {Reads: map[string]string{"0x0": "0x1"}},
			},
		}}}

		assert.NoError(t, m.checkOpcodesAndStorage(op, trace, result, true))
	})

	t.Run("unrelated contract storage is rejected", func(t *testing.T) {
		stranger := common.HexToAddress("0x2222222222222222222222222222222222222222")
		m := newManager(&fakeSenders{}, &fakeStakes{})
		trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
			TopLevelTargetAddress: op.Sender.Hex(),
			Access: map[common.Address]*AccessInfo{
				stranger: {Reads: map[string]string{"0x0": "0x0"}},
			},
		}}}

		err := m.checkOpcodesAndStorage(op, trace, result, true)
		requireRPCCode(t, err, model.CodeOpcodeValidation)
	})
}

func TestCalcPreVerificationGas(t *testing.T) {
	op := baseOp()
	got := CalcPreVerificationGas(op, DefaultGasOverheads())

	assert.Greater(t, got.Int64(), int64(21_000), "must exceed the fixed overhead")

	// more calldata costs more
	bigger := op.Copy()
	bigger.CallData = make([]byte, 1024)
	for i := range bigger.CallData {
		bigger.CallData[i] = 0xff
	}
	assert.Greater(t, CalcPreVerificationGas(bigger, DefaultGasOverheads()).Int64(), got.Int64())
}

func TestStorageMapFromTrace(t *testing.T) {
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	trace := &TracerResult{CallsFromEntryPoint: []*TopLevelCallInfo{{
		Access: map[common.Address]*AccessInfo{
			addr: {Reads: map[string]string{
				"0x01": "0xaa",
			}},
		},
	}}}

	sm := storageMapFromTrace(trace)
	require.Contains(t, sm, addr)
	assert.Equal(t, common.HexToHash("0xaa"), sm[addr].Slots[common.HexToHash("0x01")])
}

func requireRPCCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	rpcErr, ok := err.(*model.RPCError)
	require.True(t, ok, "expected *model.RPCError, got %T: %v", err, err)
	assert.Equal(t, code, rpcErr.ErrorCode())
}
