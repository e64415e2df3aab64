package utils

import (
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// Skipchain heights used for the audit chains.
const (
	MaximumHeight = 2
	BaseHeight    = 2
)

// StoreBlock appends a block holding data to the chain that starts at
// genesis.
func StoreBlock(s *skipchain.Service, genesis skipchain.SkipBlockID, data []byte) (*skipchain.SkipBlock, error) {
	db := s.GetDB()
	latest, err := db.GetLatest(db.GetByID(genesis))
	if err != nil {
		return nil, xerrors.Errorf("couldn't get latest block: %v", err)
	}
	block := latest.Copy()
	block.Data = data
	block.GenesisID = block.SkipChainID()
	block.Index++
	reply, err := s.StoreSkipBlock(&skipchain.StoreSkipBlock{
		NewBlock:          block,
		TargetSkipChainID: latest.SkipChainID(),
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't store block: %v", err)
	}
	return reply.Latest, nil
}

// CreateGenesisBlock starts a new chain on roster whose first block holds
// data.
func CreateGenesisBlock(s *skipchain.Service, roster *onet.Roster, data []byte) (*skipchain.SkipBlock, error) {
	genesis := skipchain.NewSkipBlock()
	genesis.Roster = roster
	genesis.MaximumHeight = MaximumHeight
	genesis.BaseHeight = BaseHeight
	genesis.VerifierIDs = skipchain.VerificationStandard
	genesis.Data = data
	reply, err := s.StoreSkipBlock(&skipchain.StoreSkipBlock{
		NewBlock: genesis,
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't store genesis block: %v", err)
	}
	return reply.Latest, nil
}

// Blocks returns the data of every block of the chain, oldest first.
func Blocks(s *skipchain.Service, genesis skipchain.SkipBlockID) ([][]byte, error) {
	db := s.GetDB()
	block := db.GetByID(genesis)
	if block == nil {
		return nil, xerrors.Errorf("unknown chain %x", genesis)
	}
	var data [][]byte
	for {
		data = append(data, block.Data)
		if len(block.ForwardLink) == 0 {
			return data, nil
		}
		block = db.GetByID(block.ForwardLink[0].To)
		if block == nil {
			return nil, xerrors.New("missing forward block")
		}
	}
}
