package base

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type testCoordinator struct {
	next     uint64
	fail     error
	requests []*RandomnessRequest
}

func (c *testCoordinator) RequestRandomWords(req *RandomnessRequest) (uint64, error) {
	if c.fail != nil {
		return 0, c.fail
	}
	c.next++
	c.requests = append(c.requests, req)
	return c.next, nil
}

type testPayer struct {
	fail     error
	balances map[Address]uint64
}

func (p *testPayer) Payout(to Address, amount uint64) error {
	if p.fail != nil {
		return p.fail
	}
	p.balances[to] += amount
	return nil
}

type fixture struct {
	raffle *Raffle
	clock  *testClock
	coord  *testCoordinator
	payer  *testPayer
	oracle Address
	events []Event
}

const testInterval = 10 * time.Second

func newFixture(t *testing.T, fee uint64) *fixture {
	f := &fixture{
		clock:  &testClock{now: time.Unix(1600000000, 0)},
		coord:  &testCoordinator{},
		payer:  &testPayer{balances: make(map[Address]uint64)},
		oracle: LabelAddress("oracle"),
	}
	cfg := Config{
		EntranceFee:      fee,
		Interval:         testInterval,
		Oracle:           f.oracle,
		KeyHash:          []byte("gas lane"),
		SubscriptionID:   1,
		Confirmations:    3,
		CallbackGasLimit: 500000,
		NumWords:         1,
	}
	r, err := New(cfg, f.coord, f.payer, f.clock)
	require.NoError(t, err)
	r.OnEvent(func(ev Event) { f.events = append(f.events, ev) })
	f.raffle = r
	return f
}

func newPlayers(t *testing.T, n int) []Address {
	addrs := make([]Address, n)
	for i := range addrs {
		kp := key.NewKeyPair(cothority.Suite)
		addr, err := NewAddress(kp.Public)
		require.NoError(t, err)
		addrs[i] = addr
	}
	return addrs
}

func (f *fixture) lock(t *testing.T, players []Address, fee uint64) uint64 {
	for _, p := range players {
		require.NoError(t, f.raffle.Enter(p, fee))
	}
	f.clock.advance(testInterval + time.Second)
	id, err := f.raffle.PerformUpkeep()
	require.NoError(t, err)
	return id
}

func TestRaffle_Init(t *testing.T) {
	f := newFixture(t, 1)
	r := f.raffle
	require.Equal(t, Open, r.State())
	require.Equal(t, 0, r.NumPlayers())
	require.Equal(t, uint64(0), r.Pot())
	require.Equal(t, uint64(0), r.PendingRequest())
	require.Equal(t, uint64(1), r.Round())
	require.Equal(t, testInterval, r.Interval())
	require.Equal(t, uint64(1), r.EntranceFee())
	require.True(t, r.LastSettlement().Equal(f.clock.now))
	require.True(t, r.RecentWinner().IsZero())
}

func TestRaffle_NewInvalidConfig(t *testing.T) {
	coord := &testCoordinator{}
	payer := &testPayer{balances: make(map[Address]uint64)}

	_, err := New(Config{NumWords: 1}, coord, payer, nil)
	require.True(t, xerrors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Oracle: LabelAddress("o")}, coord, payer, nil)
	require.True(t, xerrors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Oracle: LabelAddress("o"), NumWords: 1}, nil, payer, nil)
	require.True(t, xerrors.Is(err, ErrInvalidConfig))
}

func TestRaffle_EnterInsufficientPayment(t *testing.T) {
	f := newFixture(t, 10)
	players := newPlayers(t, 1)
	for _, amount := range []uint64{0, 1, 9} {
		err := f.raffle.Enter(players[0], amount)
		require.True(t, xerrors.Is(err, ErrInsufficientPayment))
	}
	require.Equal(t, 0, f.raffle.NumPlayers())
	require.Equal(t, uint64(0), f.raffle.Pot())
	require.Empty(t, f.events)
}

func TestRaffle_EnterRecordsPlayers(t *testing.T) {
	f := newFixture(t, 10)
	players := newPlayers(t, 2)

	require.NoError(t, f.raffle.Enter(players[0], 10))
	require.Equal(t, 1, f.raffle.NumPlayers())
	require.Equal(t, uint64(10), f.raffle.Pot())

	// Overpaying keeps the whole amount, and the same address may enter
	// again in its own slot.
	require.NoError(t, f.raffle.Enter(players[1], 25))
	require.NoError(t, f.raffle.Enter(players[0], 10))
	require.Equal(t, 3, f.raffle.NumPlayers())
	require.Equal(t, uint64(45), f.raffle.Pot())

	p, err := f.raffle.Player(0)
	require.NoError(t, err)
	require.Equal(t, players[0], p)
	p, err = f.raffle.Player(2)
	require.NoError(t, err)
	require.Equal(t, players[0], p)
	_, err = f.raffle.Player(3)
	require.Equal(t, ErrIndexOutOfRange, err)
	_, err = f.raffle.Player(-1)
	require.Equal(t, ErrIndexOutOfRange, err)

	require.Len(t, f.events, 3)
	require.Equal(t, EntryRecorded, f.events[1].Type)
	require.Equal(t, players[1], f.events[1].Player)
	require.Equal(t, uint64(25), f.events[1].Amount)
}

func TestRaffle_EnterWhileLocked(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 2)
	f.lock(t, players[:1], 1)

	err := f.raffle.Enter(players[1], 1)
	require.True(t, xerrors.Is(err, ErrRoundNotOpen))
	require.Equal(t, 1, f.raffle.NumPlayers())
	require.Equal(t, uint64(1), f.raffle.Pot())

	// An underpaying entry while locked reports the payment first.
	err = f.raffle.Enter(players[1], 0)
	require.True(t, xerrors.Is(err, ErrInsufficientPayment))
}

func TestRaffle_CheckUpkeep(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)

	// Time passed but nobody entered.
	f.clock.advance(testInterval + time.Second)
	ok, status := f.raffle.CheckUpkeep()
	require.False(t, ok)
	require.Equal(t, UpkeepStatus{IsOpen: true, TimePassed: true}, status)

	require.NoError(t, f.raffle.Enter(players[0], 1))
	ok, status = f.raffle.CheckUpkeep()
	require.True(t, ok)
	require.True(t, status.Needed())

	// Calling it again changes nothing.
	ok, _ = f.raffle.CheckUpkeep()
	require.True(t, ok)
	require.Equal(t, Open, f.raffle.State())
	require.Len(t, f.events, 1)
}

func TestRaffle_CheckUpkeepNotEnoughTime(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	require.NoError(t, f.raffle.Enter(players[0], 1))

	f.clock.advance(testInterval - time.Second)
	ok, status := f.raffle.CheckUpkeep()
	require.False(t, ok)
	require.Equal(t, UpkeepStatus{IsOpen: true, HasPlayers: true, HasBalance: true}, status)

	// The boundary is inclusive.
	f.clock.advance(time.Second)
	ok, _ = f.raffle.CheckUpkeep()
	require.True(t, ok)
}

func TestRaffle_CheckUpkeepLocked(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	f.lock(t, players, 1)

	ok, status := f.raffle.CheckUpkeep()
	require.False(t, ok)
	require.False(t, status.IsOpen)
	require.True(t, status.HasPlayers)
	require.True(t, status.HasBalance)
	require.True(t, status.TimePassed)
}

func TestRaffle_CheckUpkeepZeroPot(t *testing.T) {
	f := newFixture(t, 0)
	players := newPlayers(t, 1)
	require.NoError(t, f.raffle.Enter(players[0], 0))
	f.clock.advance(testInterval)

	ok, status := f.raffle.CheckUpkeep()
	require.False(t, ok)
	require.True(t, status.HasPlayers)
	require.False(t, status.HasBalance)
}

func TestRaffle_PerformUpkeepNotNeeded(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	require.NoError(t, f.raffle.Enter(players[0], 1))

	_, err := f.raffle.PerformUpkeep()
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
	var notNeeded *UpkeepNotNeededError
	require.True(t, xerrors.As(err, &notNeeded))
	require.True(t, notNeeded.IsOpen)
	require.True(t, notNeeded.HasPlayers)
	require.True(t, notNeeded.HasBalance)
	require.False(t, notNeeded.TimePassed)
	require.Equal(t, uint64(1), notNeeded.Balance)
	require.Equal(t, 1, notNeeded.NumPlayers)

	require.Equal(t, Open, f.raffle.State())
	require.Equal(t, uint64(0), f.raffle.PendingRequest())
	require.Empty(t, f.coord.requests)
}

func TestRaffle_PerformUpkeep(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	id := f.lock(t, players, 1)

	require.True(t, id > 0)
	require.Equal(t, Locked, f.raffle.State())
	require.Equal(t, id, f.raffle.PendingRequest())
	require.Len(t, f.coord.requests, 1)
	req := f.coord.requests[0]
	require.Equal(t, []byte("gas lane"), req.KeyHash)
	require.Equal(t, uint64(1), req.SubscriptionID)
	require.Equal(t, uint16(3), req.Confirmations)
	require.Equal(t, uint32(500000), req.CallbackGasLimit)
	require.Equal(t, uint32(1), req.NumWords)

	last := f.events[len(f.events)-1]
	require.Equal(t, DrawRequested, last.Type)
	require.Equal(t, id, last.RequestID)

	// A second draw cannot begin while the first is pending.
	_, err := f.raffle.PerformUpkeep()
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
	require.Len(t, f.coord.requests, 1)
}

func TestRaffle_PerformUpkeepCoordinatorFails(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	require.NoError(t, f.raffle.Enter(players[0], 1))
	f.clock.advance(testInterval)

	f.coord.fail = xerrors.New("subscription not funded")
	_, err := f.raffle.PerformUpkeep()
	require.Error(t, err)
	require.Equal(t, Open, f.raffle.State())
	require.Equal(t, uint64(0), f.raffle.PendingRequest())

	f.coord.fail = nil
	id, err := f.raffle.PerformUpkeep()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}

func TestRaffle_PerformUpkeepStaleID(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	id := f.lock(t, players, 1)
	_, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(0)})
	require.NoError(t, err)

	require.NoError(t, f.raffle.Enter(players[0], 1))
	f.clock.advance(testInterval)
	f.coord.next = 0
	_, err = f.raffle.PerformUpkeep()
	require.True(t, xerrors.Is(err, ErrStaleRequest))
	require.Equal(t, Open, f.raffle.State())
}

func TestRaffle_FulfillUnauthorized(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 2)
	id := f.lock(t, players, 1)

	_, err := f.raffle.FulfillRandomWords(players[0], id, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrUnauthorizedCaller))
	require.Equal(t, Locked, f.raffle.State())
	require.Equal(t, id, f.raffle.PendingRequest())
	require.Equal(t, 2, f.raffle.NumPlayers())
}

func TestRaffle_FulfillUnknownRequest(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 2)

	// Nothing pending yet.
	for _, id := range []uint64{0, 1} {
		_, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(1)})
		require.True(t, xerrors.Is(err, ErrUnknownRequest))
	}

	id := f.lock(t, players, 1)
	_, err := f.raffle.FulfillRandomWords(f.oracle, id+1, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	require.Equal(t, Locked, f.raffle.State())
	require.Equal(t, uint64(2), f.raffle.Pot())
	require.Empty(t, f.payer.balances)
}

func TestRaffle_FulfillNoWords(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 1)
	id := f.lock(t, players, 1)

	_, err := f.raffle.FulfillRandomWords(f.oracle, id, nil)
	require.Equal(t, ErrNoRandomWords, err)
	require.Equal(t, Locked, f.raffle.State())
}

func TestRaffle_PickWinner(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 4)
	for _, p := range players {
		require.NoError(t, f.raffle.Enter(p, 1))
	}
	require.Equal(t, uint64(4), f.raffle.Pot())
	require.Equal(t, 4, f.raffle.NumPlayers())

	f.clock.advance(testInterval)
	id, err := f.raffle.PerformUpkeep()
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	s, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(7)})
	require.NoError(t, err)

	require.Equal(t, 3, s.Index)
	require.Equal(t, players[3], s.Winner)
	require.Equal(t, uint64(4), s.Prize)
	require.Equal(t, 4, s.NumPlayers)
	require.Equal(t, id, s.RequestID)
	require.Equal(t, uint64(1), s.Round)
	require.Equal(t, big.NewInt(7).Bytes(), s.Randomness)

	require.Equal(t, uint64(4), f.payer.balances[players[3]])
	require.Len(t, f.payer.balances, 1)
	require.Equal(t, Open, f.raffle.State())
	require.Equal(t, 0, f.raffle.NumPlayers())
	require.Equal(t, uint64(0), f.raffle.Pot())
	require.Equal(t, uint64(0), f.raffle.PendingRequest())
	require.Equal(t, players[3], f.raffle.RecentWinner())
	require.True(t, f.raffle.LastSettlement().Equal(f.clock.now))
	require.Equal(t, uint64(2), f.raffle.Round())

	last := f.events[len(f.events)-1]
	require.Equal(t, WinnerPicked, last.Type)
	require.Equal(t, players[3], last.Player)
	require.Equal(t, uint64(4), last.Amount)

	// Replaying the settled request is rejected without effect.
	_, err = f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(7)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	require.Equal(t, uint64(4), f.payer.balances[players[3]])
	require.Equal(t, Open, f.raffle.State())

	// The interval restarts from the settlement.
	require.NoError(t, f.raffle.Enter(players[0], 1))
	ok, status := f.raffle.CheckUpkeep()
	require.False(t, ok)
	require.False(t, status.TimePassed)
}

func TestRaffle_LargeRandomWord(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 3)
	id := f.lock(t, players, 1)

	word, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	expected := int(new(big.Int).Mod(word, big.NewInt(3)).Int64())

	s, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{word, big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, expected, s.Index)
	require.Equal(t, players[expected], s.Winner)
}

func TestRaffle_PayoutFailed(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 2)
	id := f.lock(t, players, 1)
	before := f.raffle.Snapshot()
	events := len(f.events)

	f.payer.fail = xerrors.New("recipient rejected transfer")
	_, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrPayoutFailed))
	var payoutErr *PayoutError
	require.True(t, xerrors.As(err, &payoutErr))
	require.Equal(t, players[1], payoutErr.Winner)
	require.Equal(t, uint64(2), payoutErr.Amount)
	require.Equal(t, f.payer.fail, xerrors.Unwrap(err))

	require.Equal(t, before, f.raffle.Snapshot())
	require.Len(t, f.events, events)
	ok, _ := f.raffle.CheckUpkeep()
	require.False(t, ok)

	// Retrying the same settlement once the transfer goes through works.
	f.payer.fail = nil
	s, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, players[1], s.Winner)
	require.Equal(t, uint64(2), f.payer.balances[players[1]])
	require.Equal(t, Open, f.raffle.State())
}

func TestRaffle_SeveralRounds(t *testing.T) {
	f := newFixture(t, 5)
	players := newPlayers(t, 3)
	var last uint64
	for round := uint64(1); round <= 3; round++ {
		id := f.lock(t, players, 5)
		require.True(t, id > last)
		last = id
		s, err := f.raffle.FulfillRandomWords(f.oracle, id, []*big.Int{new(big.Int).SetUint64(round)})
		require.NoError(t, err)
		require.Equal(t, round, s.Round)
		require.Equal(t, uint64(15), s.Prize)
	}
	require.Equal(t, uint64(15), f.payer.balances[players[1]])
	require.Equal(t, uint64(15), f.payer.balances[players[2]])
	require.Equal(t, uint64(15), f.payer.balances[players[0]])
	require.Equal(t, uint64(4), f.raffle.Round())
}

func TestRaffle_Restore(t *testing.T) {
	f := newFixture(t, 1)
	players := newPlayers(t, 2)
	id := f.lock(t, players, 1)
	st := f.raffle.Snapshot()

	r, err := Restore(f.raffle.Config(), f.coord, f.payer, f.clock, st)
	require.NoError(t, err)
	require.Equal(t, Locked, r.State())
	require.Equal(t, id, r.PendingRequest())
	require.Equal(t, 2, r.NumPlayers())

	s, err := r.FulfillRandomWords(f.oracle, id, []*big.Int{big.NewInt(0)})
	require.NoError(t, err)
	require.Equal(t, players[0], s.Winner)

	// The snapshot is a copy.
	require.Len(t, st.Players, 2)

	bad := st.copy()
	bad.PendingRequest = 0
	_, err = Restore(f.raffle.Config(), f.coord, f.payer, f.clock, bad)
	require.True(t, xerrors.Is(err, ErrInvalidState))

	bad = st.copy()
	bad.Players = nil
	_, err = Restore(f.raffle.Config(), f.coord, f.payer, f.clock, bad)
	require.True(t, xerrors.Is(err, ErrInvalidState))
}
