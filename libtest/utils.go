// Package libtest runs the raffle, the oracle, a keeper and the gateway
// together on a local conode.
package libtest

import (
	"github.com/dedis/raffle/raffle"
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
)

type Player struct {
	Key  *key.Pair
	Addr rbase.Address
}

func GeneratePlayers(count int) ([]*Player, error) {
	players := make([]*Player, count)
	for i := range players {
		kp := key.NewKeyPair(cothority.Suite)
		addr, err := rbase.NewAddress(kp.Public)
		if err != nil {
			return nil, err
		}
		players[i] = &Player{Key: kp, Addr: addr}
	}
	return players, nil
}

// EnterAll credits every player from the faucet and enters them once with
// the entrance fee.
func EnterAll(cl *raffle.Client, players []*Player, fee uint64) error {
	for _, p := range players {
		if _, err := cl.Deposit(p.Addr, fee); err != nil {
			return err
		}
		acc, err := cl.GetBalance(p.Addr)
		if err != nil {
			return err
		}
		if _, err := cl.Enter(p.Key.Private, fee, acc.Nonce+1); err != nil {
			return err
		}
	}
	return nil
}
