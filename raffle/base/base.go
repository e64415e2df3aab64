package base

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Address identifies a participant, the pot or the oracle. It is the sha256
// hash of the owner's marshalled public key.
type Address [32]byte

// NewAddress derives the address of a public key.
func NewAddress(pub kyber.Point) (Address, error) {
	buf, err := pub.MarshalBinary()
	if err != nil {
		return Address{}, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	return Address(sha256.Sum256(buf)), nil
}

// LabelAddress derives an address that belongs to no key pair, e.g. the
// account holding the pot.
func LabelAddress(label string) Address {
	return Address(sha256.Sum256([]byte(label)))
}

// AddressFromString parses the hex form returned by String.
func AddressFromString(s string) (Address, error) {
	var a Address
	buf, err := hex.DecodeString(s)
	if err != nil {
		return a, xerrors.Errorf("couldn't decode address: %v", err)
	}
	if len(buf) != len(a) {
		return a, xerrors.Errorf("address must be %d bytes, got %d", len(a), len(buf))
	}
	copy(a[:], buf)
	return a, nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex characters, for logs.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// RoundState is Open while entries are accepted and Locked while a
// randomness request is outstanding.
type RoundState int

const (
	Open RoundState = iota
	Locked
)

func (s RoundState) String() string {
	switch s {
	case Open:
		return "open"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Config is fixed when the raffle is deployed. KeyHash, SubscriptionID,
// Confirmations, CallbackGasLimit and NumWords are only passed through to the
// coordinator.
type Config struct {
	EntranceFee      uint64
	Interval         time.Duration
	Oracle           Address
	KeyHash          []byte
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Validate checks the parts of the configuration the raffle itself relies
// on.
func (c *Config) Validate() error {
	if c.Oracle.IsZero() {
		return xerrors.Errorf("missing oracle: %w", ErrInvalidConfig)
	}
	if c.Interval < 0 {
		return xerrors.Errorf("negative interval: %w", ErrInvalidConfig)
	}
	if c.NumWords == 0 {
		return xerrors.Errorf("at least one random word is needed: %w", ErrInvalidConfig)
	}
	return nil
}

// RandomnessRequest is what the raffle hands to the coordinator when a draw
// begins.
type RandomnessRequest struct {
	KeyHash          []byte
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Coordinator issues randomness requests. The returned id must be larger
// than every id returned before. Implementations must not call back into the
// raffle before returning.
type Coordinator interface {
	RequestRandomWords(req *RandomnessRequest) (uint64, error)
}

// Payer moves the pot to the winner.
type Payer interface {
	Payout(to Address, amount uint64) error
}

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// State is the whole mutable state of a raffle. It is what gets persisted.
type State struct {
	Status         RoundState
	Round          uint64
	Players        []Address
	Pot            uint64
	PendingRequest uint64
	LastRequestID  uint64
	LastSettlement int64
	RecentWinner   Address
}

func (st *State) copy() *State {
	cp := *st
	cp.Players = append([]Address(nil), st.Players...)
	return &cp
}

func (st *State) check() error {
	if (st.Status == Locked) != (st.PendingRequest != 0) {
		return xerrors.Errorf("state %s with pending request %d: %w",
			st.Status, st.PendingRequest, ErrInvalidState)
	}
	if st.Status != Open && st.Status != Locked {
		return xerrors.Errorf("unknown round state %d: %w", st.Status, ErrInvalidState)
	}
	if st.Status == Locked && len(st.Players) == 0 {
		return xerrors.Errorf("locked without players: %w", ErrInvalidState)
	}
	if st.PendingRequest > st.LastRequestID {
		return xerrors.Errorf("pending request %d after last request %d: %w",
			st.PendingRequest, st.LastRequestID, ErrInvalidState)
	}
	return nil
}

// UpkeepStatus holds the four conditions that must all hold for a draw.
type UpkeepStatus struct {
	IsOpen     bool
	HasPlayers bool
	HasBalance bool
	TimePassed bool
}

// Needed reports whether a draw may begin.
func (s UpkeepStatus) Needed() bool {
	return s.IsOpen && s.HasPlayers && s.HasBalance && s.TimePassed
}

// Settlement describes a completed draw.
type Settlement struct {
	Round      uint64
	RequestID  uint64
	Winner     Address
	Index      int
	NumPlayers int
	Prize      uint64
	Randomness []byte
	Time       int64
}

// EventType names the notifications a raffle emits.
type EventType int

const (
	EntryRecorded EventType = iota
	DrawRequested
	WinnerPicked
)

func (t EventType) String() string {
	switch t {
	case EntryRecorded:
		return "EntryRecorded"
	case DrawRequested:
		return "DrawRequested"
	case WinnerPicked:
		return "WinnerPicked"
	default:
		return "Unknown"
	}
}

// Event is emitted after the operation that caused it has been applied.
// Player is the entrant for EntryRecorded and the winner for WinnerPicked.
type Event struct {
	Type      EventType
	Round     uint64
	Player    Address
	Amount    uint64
	RequestID uint64
	Time      int64
}

// WinnerIndex returns word mod n.
func WinnerIndex(word *big.Int, n int) int {
	return int(new(big.Int).Mod(word, big.NewInt(int64(n))).Int64())
}
