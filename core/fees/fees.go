package fees

import (
	"context"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"
)

// FeeData is the EIP-1559 fee pair used for bundle transactions.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type headReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// oracleResponse is the payload an external fee endpoint returns.
// Values are decimal wei strings.
type oracleResponse struct {
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// Oracle produces fee data for bundle submission. When an external
// oracle URL is configured it is asked first; the upstream node is the
// fallback and the source of truth for the base fee.
type Oracle struct {
	client     headReader
	httpClient *resty.Client
	oracleURL  string
	logger     sdklogging.Logger
}

func NewOracle(client headReader, oracleURL string, logger sdklogging.Logger) *Oracle {
	return &Oracle{
		client:     client,
		httpClient: resty.New().SetTimeout(5 * time.Second),
		oracleURL:  oracleURL,
		logger:     logger,
	}
}

// GetFeeData returns the fee pair for the next bundle transaction.
func (o *Oracle) GetFeeData(ctx context.Context) (*FeeData, error) {
	if o.oracleURL != "" {
		if data := o.fromExternalOracle(ctx); data != nil {
			return data, nil
		}
	}

	tip, err := o.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	head, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	// maxFee = 2*baseFee + tip, the geth default headroom
	maxFee := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tip,
	)
	return &FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (o *Oracle) fromExternalOracle(ctx context.Context) *FeeData {
	out := &oracleResponse{}
	resp, err := o.httpClient.R().
		SetContext(ctx).
		SetResult(out).
		Get(o.oracleURL)
	if err != nil || resp.IsError() {
		o.logger.Warn("fee oracle unavailable, falling back to node", "url", o.oracleURL, "error", err)
		return nil
	}

	maxFee, ok1 := new(big.Int).SetString(out.MaxFeePerGas, 10)
	tip, ok2 := new(big.Int).SetString(out.MaxPriorityFeePerGas, 10)
	if !ok1 || !ok2 || maxFee.Sign() <= 0 || tip.Sign() < 0 {
		o.logger.Warn("fee oracle returned malformed values", "url", o.oracleURL)
		return nil
	}
	return &FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}
}
