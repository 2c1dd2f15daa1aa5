package sui

import (
	"fmt"
	"strings"

	"educhain-indexer/internal/config"
)

var fullnodeURLs = map[string]string{
	"localnet": "http://127.0.0.1:9000",
	"devnet":   "https://fullnode.devnet.sui.io:443",
	"testnet":  "https://fullnode.testnet.sui.io:443",
	"mainnet":  "https://fullnode.mainnet.sui.io:443",
}

// ResolveRPCURL returns the explicit override when set, otherwise the public fullnode
// of the selected network.
func ResolveRPCURL(network, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	url, ok := fullnodeURLs[network]
	if !ok {
		return "", &config.ConfigurationError{
			Field:  "sui.network",
			Reason: fmt.Sprintf("unknown network %q (want localnet, devnet, testnet or mainnet)", network),
		}
	}
	return url, nil
}
