// Package config reads the deployment file that describes, per network,
// how a raffle is set up.
package config

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Duration is a time.Duration written as "30s" in the file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Mock configures the local oracle on development networks. A non-zero
// FulfillDelay makes the oracle answer requests by itself after that delay;
// otherwise they wait for an explicit fulfil.
type Mock struct {
	BaseFee       uint64   `toml:"base_fee"`
	GasPrice      uint64   `toml:"gas_price"`
	SubFundAmount uint64   `toml:"sub_fund_amount"`
	FulfillDelay  Duration `toml:"fulfill_delay"`
}

// Network holds the raffle parameters for one network.
type Network struct {
	Name             string   `toml:"-"`
	EntranceFee      uint64   `toml:"entrance_fee"`
	Interval         Duration `toml:"interval"`
	KeyHash          string   `toml:"key_hash"`
	SubscriptionID   uint64   `toml:"subscription_id"`
	CallbackGasLimit uint32   `toml:"callback_gas_limit"`
	Confirmations    uint16   `toml:"confirmations"`
	NumWords         uint32   `toml:"num_words"`
	// Faucet is the most a single Deposit call may credit. Zero disables
	// the faucet.
	Faucet uint64 `toml:"faucet"`
	Mock   *Mock  `toml:"mock"`
}

type File struct {
	Development []string            `toml:"development"`
	Networks    map[string]*Network `toml:"networks"`
}

// Default is used when no file is given. It only knows the local
// development network.
func Default() *File {
	return &File{
		Development: []string{"localhost", "local"},
		Networks: map[string]*Network{
			"localhost": {
				Name:             "localhost",
				EntranceFee:      10,
				Interval:         Duration{30 * time.Second},
				KeyHash:          "474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
				CallbackGasLimit: 500000,
				Confirmations:    1,
				NumWords:         1,
				Faucet:           1000,
				Mock: &Mock{
					BaseFee:       25,
					GasPrice:      1,
					SubFundAmount: 3000,
				},
			},
		},
	}
}

// Load reads a deployment file.
func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("couldn't read config: %v", err)
		return nil, err
	}
	return Parse(string(buf))
}

func Parse(data string) (*File, error) {
	f := &File{}
	if _, err := toml.Decode(data, f); err != nil {
		return nil, xerrors.Errorf("decoding config: %v", err)
	}
	for name, n := range f.Networks {
		if n == nil {
			return nil, xerrors.Errorf("network %q is empty", name)
		}
		n.Name = name
		if n.NumWords == 0 {
			n.NumWords = 1
		}
		if _, err := n.keyHash(); err != nil {
			return nil, xerrors.Errorf("network %q: %v", name, err)
		}
	}
	return f, nil
}

// Network returns the parameters of the named network.
func (f *File) Network(name string) (*Network, error) {
	n, ok := f.Networks[name]
	if !ok {
		return nil, xerrors.Errorf("unknown network %q", name)
	}
	return n, nil
}

// IsDevelopment tells whether name runs a local oracle that the
// deployment sets up itself.
func (f *File) IsDevelopment(name string) bool {
	for _, d := range f.Development {
		if d == name {
			return true
		}
	}
	return false
}

func (n *Network) keyHash() ([]byte, error) {
	kh, err := hex.DecodeString(n.KeyHash)
	if err != nil {
		return nil, xerrors.Errorf("bad key hash: %v", err)
	}
	return kh, nil
}

// RaffleConfig builds the raffle configuration for this network, trusting
// oracle and paying through subscription subID. A zero subID falls back to
// the one in the file.
func (n *Network) RaffleConfig(oracle rbase.Address, subID uint64) (rbase.Config, error) {
	kh, err := n.keyHash()
	if err != nil {
		return rbase.Config{}, err
	}
	if subID == 0 {
		subID = n.SubscriptionID
	}
	return rbase.Config{
		EntranceFee:      n.EntranceFee,
		Interval:         n.Interval.Duration,
		Oracle:           oracle,
		KeyHash:          kh,
		SubscriptionID:   subID,
		Confirmations:    n.Confirmations,
		CallbackGasLimit: n.CallbackGasLimit,
		NumWords:         n.NumWords,
	}, nil
}
