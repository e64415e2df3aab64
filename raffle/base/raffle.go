package base

import (
	"math"
	"math/big"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Raffle is the draw state machine. All operations are serialised by one
// lock and either apply completely or not at all.
//
// Listeners run with the lock held and must not call back into the raffle.
type Raffle struct {
	mu          sync.RWMutex
	cfg         Config
	coordinator Coordinator
	payer       Payer
	clock       Clock
	listeners   []func(Event)
	st          *State
}

// New returns an open raffle with no players. The deployment time counts as
// the last settlement.
func New(cfg Config, coordinator Coordinator, payer Payer, clock Clock) (*Raffle, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	st := &State{
		Status:         Open,
		Round:          1,
		LastSettlement: clock.Now().UnixNano(),
	}
	return Restore(cfg, coordinator, payer, clock, st)
}

// Restore returns a raffle that continues from a persisted state.
func Restore(cfg Config, coordinator Coordinator, payer Payer, clock Clock, st *State) (*Raffle, error) {
	if coordinator == nil || payer == nil {
		return nil, xerrors.Errorf("coordinator and payer are required: %w", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, xerrors.Errorf("missing state: %w", ErrInvalidState)
	}
	if err := st.check(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	cfg.KeyHash = append([]byte(nil), cfg.KeyHash...)
	return &Raffle{
		cfg:         cfg,
		coordinator: coordinator,
		payer:       payer,
		clock:       clock,
		st:          st.copy(),
	}, nil
}

// OnEvent registers fn to be called for every emitted event.
func (r *Raffle) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Raffle) emit(ev Event) {
	log.Lvlf3("%s round=%d player=%s amount=%d request=%d", ev.Type,
		ev.Round, ev.Player.Short(), ev.Amount, ev.RequestID)
	for _, fn := range r.listeners {
		fn(ev)
	}
}

// Enter records one entry for payer. The amount is added to the pot in full.
func (r *Raffle) Enter(payer Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount < r.cfg.EntranceFee {
		return ErrInsufficientPayment
	}
	if r.st.Status != Open {
		return ErrRoundNotOpen
	}
	if r.st.Pot > math.MaxUint64-amount {
		return ErrPotOverflow
	}
	r.st.Players = append(r.st.Players, payer)
	r.st.Pot += amount
	r.emit(Event{
		Type:   EntryRecorded,
		Round:  r.st.Round,
		Player: payer,
		Amount: amount,
		Time:   r.clock.Now().UnixNano(),
	})
	return nil
}

// CheckUpkeep reports whether a draw may begin now. It never changes the
// state.
func (r *Raffle) CheckUpkeep() (bool, UpkeepStatus) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := r.upkeepStatus(r.clock.Now())
	return status.Needed(), status
}

func (r *Raffle) upkeepStatus(now time.Time) UpkeepStatus {
	elapsed := now.Sub(time.Unix(0, r.st.LastSettlement))
	return UpkeepStatus{
		IsOpen:     r.st.Status == Open,
		HasPlayers: len(r.st.Players) > 0,
		HasBalance: r.st.Pot > 0,
		TimePassed: elapsed >= r.cfg.Interval,
	}
}

// PerformUpkeep locks the round and asks the coordinator for randomness. It
// may be called by anyone; only the eligibility check gates it.
func (r *Raffle) PerformUpkeep() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.upkeepStatus(r.clock.Now())
	if !status.Needed() {
		return 0, &UpkeepNotNeededError{
			UpkeepStatus: status,
			Balance:      r.st.Pot,
			NumPlayers:   len(r.st.Players),
			State:        r.st.Status,
		}
	}
	id, err := r.coordinator.RequestRandomWords(&RandomnessRequest{
		KeyHash:          append([]byte(nil), r.cfg.KeyHash...),
		SubscriptionID:   r.cfg.SubscriptionID,
		Confirmations:    r.cfg.Confirmations,
		CallbackGasLimit: r.cfg.CallbackGasLimit,
		NumWords:         r.cfg.NumWords,
	})
	if err != nil {
		return 0, xerrors.Errorf("requesting random words: %v", err)
	}
	if id <= r.st.LastRequestID {
		return 0, xerrors.Errorf("got %d after %d: %w", id, r.st.LastRequestID, ErrStaleRequest)
	}
	r.st.Status = Locked
	r.st.PendingRequest = id
	r.st.LastRequestID = id
	r.emit(Event{
		Type:      DrawRequested,
		Round:     r.st.Round,
		RequestID: id,
		Time:      r.clock.Now().UnixNano(),
	})
	return id, nil
}

// FulfillRandomWords settles the pending draw. Only the configured oracle may
// call it, and only for the pending request. The first word picks the winner
// among the players recorded when the round was locked. If the payout fails
// nothing changes and the same call can be retried.
func (r *Raffle) FulfillRandomWords(caller Address, requestID uint64, words []*big.Int) (*Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.cfg.Oracle {
		return nil, ErrUnauthorizedCaller
	}
	if r.st.Status != Locked || requestID == 0 || requestID != r.st.PendingRequest {
		return nil, ErrUnknownRequest
	}
	if len(words) == 0 || words[0] == nil {
		return nil, ErrNoRandomWords
	}
	n := len(r.st.Players)
	if n == 0 {
		return nil, xerrors.Errorf("locked without players: %w", ErrInvalidState)
	}
	idx := WinnerIndex(words[0], n)
	winner := r.st.Players[idx]
	prize := r.st.Pot
	if err := r.payer.Payout(winner, prize); err != nil {
		return nil, &PayoutError{Winner: winner, Amount: prize, RequestID: requestID, Err: err}
	}

	now := r.clock.Now().UnixNano()
	s := &Settlement{
		Round:      r.st.Round,
		RequestID:  requestID,
		Winner:     winner,
		Index:      idx,
		NumPlayers: n,
		Prize:      prize,
		Randomness: words[0].Bytes(),
		Time:       now,
	}
	r.st.Players = nil
	r.st.Pot = 0
	r.st.RecentWinner = winner
	r.st.LastSettlement = now
	r.st.PendingRequest = 0
	r.st.Status = Open
	r.st.Round++
	r.emit(Event{
		Type:      WinnerPicked,
		Round:     s.Round,
		Player:    winner,
		Amount:    prize,
		RequestID: requestID,
		Time:      now,
	})
	return s, nil
}

func (r *Raffle) Config() Config {
	cfg := r.cfg
	cfg.KeyHash = append([]byte(nil), r.cfg.KeyHash...)
	return cfg
}

func (r *Raffle) EntranceFee() uint64 {
	return r.cfg.EntranceFee
}

func (r *Raffle) Interval() time.Duration {
	return r.cfg.Interval
}

func (r *Raffle) State() RoundState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.Status
}

func (r *Raffle) NumPlayers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.st.Players)
}

// Player returns the entry at index i, in entry order.
func (r *Raffle) Player(i int) (Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.st.Players) {
		return Address{}, ErrIndexOutOfRange
	}
	return r.st.Players[i], nil
}

func (r *Raffle) Pot() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.Pot
}

func (r *Raffle) RecentWinner() Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.RecentWinner
}

func (r *Raffle) LastSettlement() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Unix(0, r.st.LastSettlement)
}

// PendingRequest returns the outstanding request id, 0 while open.
func (r *Raffle) PendingRequest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.PendingRequest
}

func (r *Raffle) Round() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.Round
}

// Snapshot returns a copy of the current state.
func (r *Raffle) Snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.copy()
}
