package recovery

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	_ CoordinationService = (*mockCoordinator)(nil)
	_ TouchpointService   = (*mockTouchpoints)(nil)
	_ Prompter            = (*mockPrompter)(nil)
	_ AttemptStore        = (*memAttemptStore)(nil)
	_ KeysetStore         = (*memKeysetStore)(nil)
)

// testNet is the network every test account lives on.
var testNet = &chaincfg.RegressionNetParams

// mockCoordinator is a mock coordination service. The order of its Calls is
// the order the server saw the requests in.
type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) ActiveRecovery(ctx context.Context,
	account *AccountContext) (fn.Option[ConflictingRecovery], error) {

	args := m.Called(ctx, account)
	return args.Get(0).(fn.Option[ConflictingRecovery]), args.Error(1)
}

func (m *mockCoordinator) Initiate(ctx context.Context,
	account *AccountContext, req *InitiateRequest) (*InitiateResponse,
	error) {

	args := m.Called(ctx, account, req)
	resp, _ := args.Get(0).(*InitiateResponse)

	return resp, args.Error(1)
}

func (m *mockCoordinator) Cancel(ctx context.Context, account *AccountContext,
	recoveryID string, proof *Proof) error {

	args := m.Called(ctx, account, recoveryID, proof)
	return args.Error(0)
}

func (m *mockCoordinator) Status(ctx context.Context, account *AccountContext,
	recoveryID string) (*RecoveryStatus, error) {

	args := m.Called(ctx, account, recoveryID)
	status, _ := args.Get(0).(*RecoveryStatus)

	return status, args.Error(1)
}

func (m *mockCoordinator) Complete(ctx context.Context,
	account *AccountContext, recoveryID string, proof *Proof) (*Completion,
	error) {

	args := m.Called(ctx, account, recoveryID, proof)
	completion, _ := args.Get(0).(*Completion)

	return completion, args.Error(1)
}

// methods returns the names of the calls made so far.
func (m *mockCoordinator) methods() []string {
	var names []string
	for _, c := range m.Calls {
		names = append(names, c.Method)
	}

	return names
}

// mockTouchpoints is a mock touchpoint service.
type mockTouchpoints struct {
	mock.Mock
}

func (m *mockTouchpoints) SendCode(ctx context.Context,
	account *AccountContext, tp Touchpoint, purpose Purpose) (string,
	error) {

	args := m.Called(ctx, account, tp, purpose)
	return args.String(0), args.Error(1)
}

func (m *mockTouchpoints) VerifyCode(ctx context.Context,
	account *AccountContext, challengeID, code string) (CodeResult,
	error) {

	args := m.Called(ctx, account, challengeID, code)
	return args.Get(0).(CodeResult), args.Error(1)
}

// mockPrompter is a mock user prompt.
type mockPrompter struct {
	mock.Mock
}

func (m *mockPrompter) EnterCode(ctx context.Context, tp Touchpoint,
	purpose Purpose) (string, error) {

	args := m.Called(ctx, tp, purpose)
	return args.String(0), args.Error(1)
}

func (m *mockPrompter) ConfirmHardwareReady(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// memAttemptStore keeps encoded attempts in memory, like the real stores do.
type memAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]byte
	failPut  error
}

func newMemAttemptStore() *memAttemptStore {
	return &memAttemptStore{attempts: make(map[string][]byte)}
}

func (s *memAttemptStore) PutAttempt(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPut != nil {
		return s.failPut
	}

	if !a.IsTerminal() {
		for id, blob := range s.attempts {
			other, err := AttemptFromBytes(blob)
			if err != nil {
				return err
			}

			if id != a.ID && other.AccountID == a.AccountID &&
				!other.IsTerminal() {

				return ErrAttemptInProgress
			}
		}
	}

	blob, err := AttemptBytes(a)
	if err != nil {
		return err
	}

	s.attempts[a.ID] = blob

	return nil
}

func (s *memAttemptStore) FetchAttempt(_ context.Context, id string) (*Attempt,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}

	return AttemptFromBytes(blob)
}

func (s *memAttemptStore) ActiveAttempt(_ context.Context,
	accountID string) (*Attempt, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, blob := range s.attempts {
		a, err := AttemptFromBytes(blob)
		if err != nil {
			return nil, err
		}

		if a.AccountID == accountID && !a.IsTerminal() {
			return a, nil
		}
	}

	return nil, ErrAttemptNotFound
}

func (s *memAttemptStore) setFailPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPut = err
}

// memKeysetStore keeps keysets in memory.
type memKeysetStore struct {
	mu        sync.Mutex
	keysets   []*keys.Keyset
	active    string
	activated map[string]bool
}

func newMemKeysetStore() *memKeysetStore {
	return &memKeysetStore{activated: make(map[string]bool)}
}

func (s *memKeysetStore) PutKeyset(_ context.Context, _ string,
	ks *keys.Keyset) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keysets {
		if k.ID == ks.ID {
			return nil
		}
	}

	s.keysets = append(s.keysets, ks)

	return nil
}

func (s *memKeysetStore) ActivateKeyset(_ context.Context, _,
	attemptID string, ks *keys.Keyset) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activated[attemptID] {
		return ErrKeysetAlreadyActive
	}

	s.activated[attemptID] = true
	s.active = ks.ID

	return nil
}

func (s *memKeysetStore) ActiveKeyset(_ context.Context,
	_ string) (*keys.Keyset, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keysets {
		if k.ID == s.active {
			return k, nil
		}
	}

	return nil, ErrKeysetNotFound
}

func (s *memKeysetStore) Keysets(_ context.Context,
	_ string) ([]*keys.Keyset, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*keys.Keyset(nil), s.keysets...), nil
}

// sharedTicker hands the same forced ticker to every delay step. The test
// owns it and stops it on cleanup.
type sharedTicker struct {
	*ticker.Force
}

func (sharedTicker) Stop() {}

// testSeed returns a deterministic seed.
func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

// harness wires an orchestrator to mocks and in-memory stores.
type harness struct {
	t *testing.T

	coord     *mockCoordinator
	tps       *mockTouchpoints
	prompter  *mockPrompter
	attempts  *memAttemptStore
	keysets   *memKeysetStore
	vault     *keys.FileVault
	survivor  *keys.SoftDevice
	appKeys   *keys.AppSecrets
	server    *keys.SoftDevice
	ticker    *ticker.Force
	clock     *clock.TestClock
	ticks     chan time.Duration
	account   AccountContext
	completed chan *keys.Keyset

	cfg  Config
	orch *Orchestrator
}

// harnessOption adjusts a harness before its orchestrator is created.
type harnessOption func(*harness)

// withTouchpoints replaces the account's touchpoints.
func withTouchpoints(tps ...Touchpoint) harnessOption {
	return func(h *harness) {
		h.account.Touchpoints = tps
	}
}

// newHarness builds an orchestrator for an account that already has an app
// seed in its vault and a hardware device. lost selects which of the two the
// test pretends to have lost; the device passed to the orchestrator is the
// surviving one for a lost app and a replacement for a lost device.
func newHarness(t *testing.T, lost Factor, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		coord:     &mockCoordinator{},
		tps:       &mockTouchpoints{},
		prompter:  &mockPrompter{},
		attempts:  newMemAttemptStore(),
		keysets:   newMemKeysetStore(),
		vault: keys.NewFileVault(
			t.TempDir(), []byte("pw"), keys.FastScryptParams,
		),
		ticker:    ticker.NewForce(time.Hour),
		ticks:     make(chan time.Duration, 4),
		completed: make(chan *keys.Keyset, 1),
	}
	h.clock = clock.NewTestClockWithTickSignal(
		time.Unix(1_700_000_000, 0), h.ticks,
	)
	t.Cleanup(h.ticker.Stop)

	gen := keys.NewGenerator(testNet)

	var err error
	h.appKeys, err = gen.DeriveAppKeys(testSeed(1))
	require.NoError(t, err)

	err = h.vault.StoreAppSeed(context.Background(), "acct", testSeed(1))
	require.NoError(t, err)

	h.survivor, err = keys.NewSoftDevice(testSeed(2), testNet)
	require.NoError(t, err)

	h.server, err = keys.NewSoftDevice(testSeed(3), testNet)
	require.NoError(t, err)

	device := h.survivor
	if lost == FactorHardware {
		device, err = keys.NewSoftDevice(testSeed(4), testNet)
		require.NoError(t, err)
	}

	h.account = AccountContext{
		AccountID: "acct",
		Network:   testNet,
		Touchpoints: []Touchpoint{{
			ID: "tp1", Kind: TouchpointEmail, Value: "a@example.com",
		}},
		AuthKeys: AuthKeys{
			App:      h.appKeys.Bundle().AuthKey,
			Hardware: h.survivor.Bundle().AuthKey,
		},
	}

	for _, opt := range opts {
		opt(h)
	}

	h.cfg = Config{
		Coordinator: h.coord,
		Touchpoints: h.tps,
		Device:      device,
		Prompter:    h.prompter,
		Attempts:    h.attempts,
		Keysets:     h.keysets,
		Vault:       h.vault,
		Generator:   gen,
		Clock:       h.clock,
		NewTicker: func(time.Duration) ticker.Ticker {
			return sharedTicker{h.ticker}
		},
		OnCompleted: func(_ context.Context, _ AccountContext,
			ks *keys.Keyset) {

			h.completed <- ks
		},
	}
	h.startOrchestrator()

	return h
}

// startOrchestrator starts a fresh orchestrator over the harness stores, as
// a process restart would.
func (h *harness) startOrchestrator() {
	orch, err := NewOrchestrator(h.cfg, h.account)
	require.NoError(h.t, err)

	require.NoError(h.t, orch.Start())
	h.t.Cleanup(func() {
		require.NoError(h.t, orch.Stop(context.Background()))
	})

	h.orch = orch
}

// stop stops the orchestrator so the mocks can be inspected without racing
// a running step.
func (h *harness) stop() {
	require.NoError(h.t, h.orch.Stop(context.Background()))
}

// noConflict makes the server report no active recovery.
func (h *harness) noConflict() {
	h.coord.On("ActiveRecovery", mock.Anything, mock.Anything).Return(
		fn.None[ConflictingRecovery](), nil,
	)
}

// pendingStatus makes the server report the recovery as pending.
func (h *harness) pendingStatus(id string) {
	h.coord.On("Status", mock.Anything, mock.Anything, id).Return(
		&RecoveryStatus{}, nil,
	).Maybe()
}

// completion is the server's answer to Complete.
func (h *harness) completion() *Completion {
	return &Completion{ServerSpendingKey: h.server.Bundle().Spending}
}
