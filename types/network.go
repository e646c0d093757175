package types

// Network is an EVM network the storefront can settle on.
type Network string

const (
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkLocal       Network = "local"        // anvil, hardhat, simulated backends
)

var networkChainIDs = map[Network]int64{
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
	NetworkLocal:       1337,
}

// ChainID returns the EIP-155 chain id of n, if known.
func (n Network) ChainID() (int64, bool) {
	id, ok := networkChainIDs[n]
	return id, ok
}

func (n Network) IsKnown() bool {
	_, ok := networkChainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkSepolia || n == NetworkBaseSepolia || n == NetworkPolygonAmoy || n == NetworkLocal
}

// NativeSymbol is the ticker of the network's native currency.
func (n Network) NativeSymbol() string {
	if n == NetworkPolygon || n == NetworkPolygonAmoy {
		return "POL"
	}
	return "ETH"
}

func (n Network) String() string {
	return string(n)
}
