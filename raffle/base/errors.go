package base

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

var (
	// ErrInsufficientPayment is returned when an entry pays less than the
	// entrance fee.
	ErrInsufficientPayment = xerrors.New("raffle: insufficient payment")
	// ErrRoundNotOpen is returned when an entry arrives while a draw is in
	// progress.
	ErrRoundNotOpen = xerrors.New("raffle: round not open")
	// ErrUpkeepNotNeeded is matched by every *UpkeepNotNeededError.
	ErrUpkeepNotNeeded = xerrors.New("raffle: upkeep not needed")
	// ErrUnauthorizedCaller is returned when someone other than the
	// configured oracle delivers randomness.
	ErrUnauthorizedCaller = xerrors.New("raffle: unauthorized caller")
	// ErrUnknownRequest is returned for a request id that is not the
	// pending one, including replays of settled requests.
	ErrUnknownRequest = xerrors.New("raffle: unknown request")
	// ErrPayoutFailed is matched by every *PayoutError.
	ErrPayoutFailed = xerrors.New("raffle: payout failed")

	ErrStaleRequest    = xerrors.New("raffle: coordinator returned a stale request id")
	ErrNoRandomWords   = xerrors.New("raffle: no random words")
	ErrIndexOutOfRange = xerrors.New("raffle: player index out of range")
	ErrPotOverflow     = xerrors.New("raffle: pot overflow")
	ErrInvalidConfig   = xerrors.New("raffle: invalid config")
	ErrInvalidState    = xerrors.New("raffle: invalid state")
)

var kinds = []error{
	ErrInsufficientPayment,
	ErrRoundNotOpen,
	ErrUpkeepNotNeeded,
	ErrUnauthorizedCaller,
	ErrUnknownRequest,
	ErrPayoutFailed,
	ErrStaleRequest,
	ErrNoRandomWords,
	ErrIndexOutOfRange,
	ErrPotOverflow,
	ErrInvalidConfig,
	ErrInvalidState,
}

// UpkeepNotNeededError carries the sub-conditions of the eligibility check
// at the time PerformUpkeep was refused.
type UpkeepNotNeededError struct {
	UpkeepStatus
	Balance    uint64
	NumPlayers int
	State      RoundState
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("%v (open=%t players=%t balance=%t time=%t; pot=%d players=%d state=%s)",
		ErrUpkeepNotNeeded, e.IsOpen, e.HasPlayers, e.HasBalance, e.TimePassed,
		e.Balance, e.NumPlayers, e.State)
}

// Is makes xerrors.Is(err, ErrUpkeepNotNeeded) hold.
func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}

// PayoutError is returned when the prize could not be transferred. The round
// stays locked on the same request.
type PayoutError struct {
	Winner    Address
	Amount    uint64
	RequestID uint64
	Err       error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("%v: paying %d to %s for request %d: %v",
		ErrPayoutFailed, e.Amount, e.Winner.Short(), e.RequestID, e.Err)
}

func (e *PayoutError) Is(target error) bool {
	return target == ErrPayoutFailed
}

func (e *PayoutError) Unwrap() error {
	return e.Err
}

type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Is(target error) bool {
	return target == e.kind
}

// Classify restores the kind of an error that crossed the network as plain
// text, so that callers can still use xerrors.Is on it. Errors that already
// carry a kind, and errors of no known kind, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if xerrors.Is(err, kind) {
			return err
		}
	}
	msg := err.Error()
	for _, kind := range kinds {
		if strings.Contains(msg, kind.Error()) {
			return &remoteError{msg: msg, kind: kind}
		}
	}
	return err
}
