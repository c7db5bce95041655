package bundler

import (
	"context"

	"github.com/vechain/4337-bundler/core/execution"
	"github.com/vechain/4337-bundler/core/reputation"
	"github.com/vechain/4337-bundler/model"
)

// DebugAPI is the operator-facing debug_bundler namespace, enabled by
// the debug_rpc config flag. It exists for conformance testing and
// operational inspection, never for clients.
type DebugAPI struct {
	b *Bundler
}

func (api *DebugAPI) ClearState() string {
	api.b.mempool.Clear()
	api.b.reputation.Clear()
	return "ok"
}

func (api *DebugAPI) DumpMempool() interface{} {
	entries := api.b.mempool.Dump()
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"userOp":     e.UserOp,
			"userOpHash": e.UserOpHash.Hex(),
			"prefund":    model.DeepHexlify(e.Prefund),
		})
	}
	return out
}

func (api *DebugAPI) SendBundleNow(ctx context.Context) (interface{}, error) {
	result, err := api.b.execution.SendBundleNow(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return "no bundle sent", nil
	}
	return result, nil
}

func (api *DebugAPI) SetBundlingMode(mode string) (string, error) {
	if err := api.b.execution.SetBundlingMode(execution.BundlingMode(mode)); err != nil {
		return "", err
	}
	return "ok", nil
}

func (api *DebugAPI) SetReputation(entries []*reputation.Entry) string {
	api.b.reputation.SetReputation(entries)
	return "ok"
}

func (api *DebugAPI) DumpReputation() []*reputation.Entry {
	return api.b.reputation.Dump()
}
