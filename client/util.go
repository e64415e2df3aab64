package main

import (
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"golang.org/x/xerrors"
)

// parseKey reads a hex private key and returns it with its address.
func parseKey(s string) (kyber.Scalar, rbase.Address, error) {
	if s == "" {
		return nil, rbase.Address{}, xerrors.New("missing private key")
	}
	sk, err := encoding.StringHexToScalar(cothority.Suite, s)
	if err != nil {
		return nil, rbase.Address{}, xerrors.Errorf("bad private key: %v", err)
	}
	addr, err := rbase.NewAddress(cothority.Suite.Point().Mul(sk, nil))
	if err != nil {
		return nil, rbase.Address{}, err
	}
	return sk, addr, nil
}

func parseAddress(s string) (rbase.Address, error) {
	if s == "" {
		return rbase.Address{}, xerrors.New("missing address")
	}
	return rbase.AddressFromString(s)
}
