package network

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedChain struct {
	id  *big.Int
	err error
}

func (f fixedChain) ChainID(context.Context) (*big.Int, error) { return f.id, f.err }

func TestDetect(t *testing.T) {
	id, name, err := Detect(context.Background(), fixedChain{id: big.NewInt(82)})
	require.NoError(t, err)
	assert.Equal(t, int64(82), id)
	assert.Equal(t, "meter-mainnet", name)

	_, _, err = Detect(context.Background(), fixedChain{err: errors.New("dial tcp: refused")})
	assert.Error(t, err)
}

func TestName_Unknown(t *testing.T) {
	assert.Equal(t, "chain-999", Name(999))
	assert.Equal(t, "mainnet", Name(MainnetChainID))
}
