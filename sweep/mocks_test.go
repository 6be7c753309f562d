package sweep

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/pkg/btcunit"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.RegressionNetParams

// testSeed returns a deterministic seed filled with b.
func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func testDevice(t *testing.T, seed byte) *keys.SoftDevice {
	t.Helper()

	dev, err := keys.NewSoftDevice(testSeed(seed), testNet)
	require.NoError(t, err)

	return dev
}

func testKeyset(t *testing.T, app, hw, server *keys.SoftDevice) *keys.Keyset {
	t.Helper()

	ks, err := keys.NewKeyset(
		app.Bundle().Spending, hw.Bundle().Spending,
		server.Bundle().Spending, testNet,
	)
	require.NoError(t, err)

	return ks
}

// fakeChain is an in-memory UtxoSource.
type fakeChain struct {
	mu    sync.Mutex
	utxos []Utxo
	next  byte
}

// fund pays value to the keyset address at branch/index.
func (c *fakeChain) fund(t *testing.T, ks *keys.Keyset, branch, index uint32,
	value btcutil.Amount) wire.OutPoint {

	t.Helper()

	addr, err := ks.DeriveAddress(branch, index)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	op := wire.OutPoint{Hash: chainhash.Hash{c.next, 0xaa}, Index: 1}
	c.utxos = append(c.utxos, Utxo{
		OutPoint:      op,
		Value:         value,
		PkScript:      addr.PkScript,
		Confirmations: 6,
	})

	return op
}

// spend removes the coin at op.
func (c *fakeChain) spend(op wire.OutPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, u := range c.utxos {
		if u.OutPoint == op {
			c.utxos = append(c.utxos[:i], c.utxos[i+1:]...)
			return
		}
	}
}

// confirm sets the confirmation count of the coin at op.
func (c *fakeChain) confirm(op wire.OutPoint, confs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.utxos {
		if c.utxos[i].OutPoint == op {
			c.utxos[i].Confirmations = confs
		}
	}
}

// reverse flips the order coins are reported in.
func (c *fakeChain) reverse() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, j := 0, len(c.utxos)-1; i < j; i, j = i+1, j-1 {
		c.utxos[i], c.utxos[j] = c.utxos[j], c.utxos[i]
	}
}

func (c *fakeChain) ListUnspent(_ context.Context, addrs []btcutil.Address,
	minConf int32) ([]Utxo, error) {

	scripts := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		script, err := txscript.PayToAddrScript(a)
		if err != nil {
			return nil, err
		}
		scripts[string(script)] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var res []Utxo
	for _, u := range c.utxos {
		if _, ok := scripts[string(u.PkScript)]; !ok {
			continue
		}

		if u.Confirmations < int64(minConf) {
			continue
		}

		res = append(res, u)
	}

	return res, nil
}

// staticFees always estimates the same rate.
type staticFees struct {
	rate btcunit.SatPerKVByte
	err  error
}

func (f *staticFees) EstimateFeeRate(context.Context,
	uint32) (btcunit.SatPerKVByte, error) {

	return f.rate, f.err
}

// countingSigner counts the first-signature requests.
type countingSigner struct {
	HardwareSigner

	mu    sync.Mutex
	calls int
}

func (c *countingSigner) SignPsbt(ctx context.Context, packet *psbt.Packet,
	ks *keys.Keyset) (*psbt.Packet, error) {

	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	return c.HardwareSigner.SignPsbt(ctx, packet, ks)
}

func (c *countingSigner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

// softServer cosigns with a soft device. Setting fail makes the next calls
// fail; setting tamper makes it answer with another transaction.
type softServer struct {
	dev *keys.SoftDevice

	mu     sync.Mutex
	fail   error
	tamper bool
	calls  int
}

func (s *softServer) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = err
}

func (s *softServer) SignPsbt(ctx context.Context, _ string,
	packet *psbt.Packet, ks *keys.Keyset) (*psbt.Packet, error) {

	s.mu.Lock()
	s.calls++
	fail, tamper := s.fail, s.tamper
	s.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	signed, err := s.dev.SignPsbt(ctx, packet, ks)
	if err != nil {
		return nil, err
	}

	if tamper {
		signed.UnsignedTx.TxOut[0].Value--
	}

	return signed, nil
}

// mockPublisher is a testify mock of TxPublisher.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, accountID string,
	txs []*wire.MsgTx) ([]error, error) {

	args := m.Called(ctx, accountID, txs)

	var results []error
	if r := args.Get(0); r != nil {
		results = r.([]error)
	}

	return results, args.Error(1)
}

// txsMatching matches a publish call for exactly the given txids.
func txsMatching(ids ...chainhash.Hash) interface{} {
	return mock.MatchedBy(func(txs []*wire.MsgTx) bool {
		if len(txs) != len(ids) {
			return false
		}

		for i, tx := range txs {
			if tx.TxHash() != ids[i] {
				return false
			}
		}

		return true
	})
}

// memStore is an in-memory ProposalStore that keeps proposals encoded.
type memStore struct {
	mu     sync.Mutex
	blobs  map[chainhash.Hash][]byte
	order  []chainhash.Hash
	putErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[chainhash.Hash][]byte)}
}

func (s *memStore) PutProposals(_ context.Context,
	proposals []*Proposal) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return s.putErr
	}

	for _, p := range proposals {
		blob, err := ProposalBytes(p)
		if err != nil {
			return err
		}

		if _, ok := s.blobs[p.ID]; !ok {
			s.order = append(s.order, p.ID)
		}
		s.blobs[p.ID] = blob
	}

	return nil
}

func (s *memStore) Proposals(_ context.Context,
	accountID string) ([]*Proposal, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*Proposal
	for _, id := range s.order {
		p, err := ProposalFromBytes(s.blobs[id])
		if err != nil {
			return nil, err
		}

		if p.AccountID == accountID {
			res = append(res, p)
		}
	}

	return res, nil
}

// stored returns the persisted copy of a proposal.
func (s *memStore) stored(t *testing.T, id chainhash.Hash) *Proposal {
	t.Helper()

	s.mu.Lock()
	blob, ok := s.blobs[id]
	s.mu.Unlock()
	require.True(t, ok, "proposal %v not stored", id)

	p, err := ProposalFromBytes(blob)
	require.NoError(t, err)

	return p
}

// memKeysets is an in-memory KeysetSource.
type memKeysets struct {
	active *keys.Keyset
	all    []*keys.Keyset
}

func (m *memKeysets) ActiveKeyset(context.Context, string) (*keys.Keyset,
	error) {

	if m.active == nil {
		return nil, errors.New("no active keyset")
	}

	return m.active, nil
}

func (m *memKeysets) Keysets(context.Context, string) ([]*keys.Keyset,
	error) {

	return m.all, nil
}

// fixture wires every sweep component around soft devices. The old keyset
// is app(1)/hw(2)/server(3), the active one app(1)/hw(5)/server(6).
type fixture struct {
	app, oldHW, oldServer, newHW, newServer *keys.SoftDevice

	old, active *keys.Keyset

	chain     *fakeChain
	fees      *staticFees
	store     *memStore
	hardware  *countingSigner
	server    *softServer
	publisher *mockPublisher
	clock     *clock.TestClock

	planner     *Planner
	signer      *SigningCoordinator
	broadcaster *BroadcastService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		app:       testDevice(t, 1),
		oldHW:     testDevice(t, 2),
		oldServer: testDevice(t, 3),
		newHW:     testDevice(t, 5),
		newServer: testDevice(t, 6),
		chain:     &fakeChain{},
		fees:      &staticFees{rate: btcunit.NewSatPerKVByte(2_000)},
		store:     newMemStore(),
		publisher: &mockPublisher{},
		clock:     clock.NewTestClock(time.Unix(1_700_000_000, 0)),
	}

	f.old = testKeyset(t, f.app, f.oldHW, f.oldServer)
	f.active = testKeyset(t, f.app, f.newHW, f.newServer)
	f.hardware = &countingSigner{HardwareSigner: f.oldHW}
	f.server = &softServer{dev: f.oldServer}

	var err error
	f.planner, err = NewPlanner(PlannerConfig{
		Utxos: f.chain,
		Fees:  f.fees,
		Clock: f.clock,
	})
	require.NoError(t, err)

	f.signer, err = NewSigningCoordinator(SignerConfig{
		Hardware: f.hardware,
		Server:   f.server,
		Store:    f.store,
		Clock:    f.clock,
	})
	require.NoError(t, err)

	f.broadcaster, err = NewBroadcastService(BroadcastConfig{
		Publisher: f.publisher,
		Store:     f.store,
		Clock:     f.clock,
	})
	require.NoError(t, err)

	return f
}

// plan plans a sweep of the given keysets into the active one.
func (f *fixture) plan(t *testing.T, descriptors ...*keys.Keyset) []*Proposal {
	t.Helper()

	proposals, err := f.planner.Plan(
		context.Background(), "acct", descriptors, f.active,
	)
	require.NoError(t, err)

	return proposals
}

// oneInputFee is the fee of a single coin sweep at the fixture rate.
func (f *fixture) oneInputFee() btcutil.Amount {
	return SweepFee(f.fees.rate, 1)
}

// cloneProposal returns an independent copy of p.
func cloneProposal(t *testing.T, p *Proposal) *Proposal {
	t.Helper()

	blob, err := ProposalBytes(p)
	require.NoError(t, err)

	c, err := ProposalFromBytes(blob)
	require.NoError(t, err)

	return c
}

// verifySweep runs the script engine over every input of tx.
func verifySweep(t *testing.T, p *Proposal, tx *wire.MsgTx) {
	t.Helper()

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint,
			p.Template.Inputs[i].WitnessUtxo)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		utxo := p.Template.Inputs[i].WitnessUtxo
		vm, err := txscript.NewEngine(
			utxo.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, utxo.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}
}
