package validation

import (
	"math/big"

	"github.com/vechain/4337-bundler/core/chainio/aa"
	"github.com/vechain/4337-bundler/model"
)

// Calldata pricing from the v0.6 reference: fixed transaction overhead,
// per-op overhead amortised over a bundle, and per-byte costs.
type GasOverheads struct {
	Fixed         uint64
	PerUserOp     uint64
	PerUserOpWord uint64
	ZeroByte      uint64
	NonZeroByte   uint64
	BundleSize    uint64
	SigSize       int
}

func DefaultGasOverheads() GasOverheads {
	return GasOverheads{
		Fixed:         21000,
		PerUserOp:     18300,
		PerUserOpWord: 4,
		ZeroByte:      4,
		NonZeroByte:   16,
		BundleSize:    1,
		SigSize:       65,
	}
}

// CalcPreVerificationGas returns the minimum preVerificationGas the
// bundler accepts for an op: the share of calldata and fixed cost the
// EntryPoint cannot meter on-chain.
func CalcPreVerificationGas(op *model.UserOperation, ov GasOverheads) *big.Int {
	// price the op as it will appear in the handleOps calldata, with a
	// dummy signature when the submitted one is shorter
	probe := op.Copy()
	if len(probe.Signature) < ov.SigSize {
		probe.Signature = make([]byte, ov.SigSize)
		for i := range probe.Signature {
			probe.Signature[i] = 0xff
		}
	}
	if probe.PreVerificationGas == nil || probe.PreVerificationGas.Sign() == 0 {
		probe.PreVerificationGas = big.NewInt(21000)
	}

	packed, err := aa.PackHandleOps([]*model.UserOperation{probe}, probe.Sender)
	if err != nil {
		return big.NewInt(int64(ov.Fixed))
	}

	var callDataCost uint64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}

	words := (uint64(len(packed)) + 31) / 32
	total := callDataCost + ov.Fixed/ov.BundleSize + ov.PerUserOp + ov.PerUserOpWord*words
	return new(big.Int).SetUint64(total)
}
