package deposit

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
)

func dialEthClient(ctx context.Context, endpoint string) (EVMClient, error) {
	return ethclient.DialContext(ctx, endpoint)
}
