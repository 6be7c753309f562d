package chain

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

var _ RPC = (*mockRPC)(nil)

// mockRPC is a mock implementation of the RPC interface.
type mockRPC struct {
	mock.Mock
}

func (m *mockRPC) ListUnspentMinMaxAddresses(minConf, maxConf int,
	addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error) {

	args := m.Called(minConf, maxConf, addrs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]btcjson.ListUnspentResult), args.Error(1)
}

func (m *mockRPC) EstimateSmartFee(confTarget int64,
	mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult,
	error) {

	args := m.Called(confTarget, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcjson.EstimateSmartFeeResult), args.Error(1)
}

func (m *mockRPC) TestMempoolAccept(txns []*wire.MsgTx,
	maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error) {

	args := m.Called(txns, maxFeeRate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*btcjson.TestMempoolAcceptResult), args.Error(1)
}

func (m *mockRPC) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}
