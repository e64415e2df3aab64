package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dedis/raffle/raffle"
	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type fakeReader struct {
	players []rbase.Address
	err     error
}

func (f *fakeReader) GetState() (*raffle.GetStateReply, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &raffle.GetStateReply{
		Network:        "localhost",
		EntranceFee:    10,
		Interval:       30 * time.Second,
		Status:         rbase.Locked,
		Round:          3,
		NumPlayers:     len(f.players),
		Pot:            20,
		PendingRequest: 7,
	}, nil
}

func (f *fakeReader) CheckUpkeep() (*raffle.CheckUpkeepReply, error) {
	return &raffle.CheckUpkeepReply{Status: rbase.UpkeepStatus{HasPlayers: true, HasBalance: true}}, nil
}

func (f *fakeReader) GetPlayer(index int) (*raffle.GetPlayerReply, error) {
	if index >= len(f.players) {
		// As seen by a client: only the text crosses the wire.
		return nil, rbase.Classify(xerrors.New(rbase.ErrIndexOutOfRange.Error()))
	}
	return &raffle.GetPlayerReply{Player: f.players[index]}, nil
}

func (f *fakeReader) GetSettlements() (*raffle.GetSettlementsReply, error) {
	return &raffle.GetSettlementsReply{Settlements: []*rbase.Settlement{{
		Round:      2,
		RequestID:  6,
		Winner:     f.players[0],
		NumPlayers: 2,
		Prize:      20,
		Randomness: []byte{0x07},
	}}}, nil
}

func get(t *testing.T, h http.Handler, path string, out interface{}) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestRouter(t *testing.T) {
	rd := &fakeReader{players: []rbase.Address{rbase.LabelAddress("a"), rbase.LabelAddress("b")}}
	h := Router(rd)

	var st State
	require.Equal(t, http.StatusOK, get(t, h, "/raffle/", &st))
	require.Equal(t, "locked", st.State)
	require.Equal(t, uint64(7), st.PendingRequest)
	require.Equal(t, "30s", st.Interval)
	require.Equal(t, "", st.RecentWinner)

	var up Upkeep
	require.Equal(t, http.StatusOK, get(t, h, "/raffle/upkeep", &up))
	require.False(t, up.Needed)
	require.True(t, up.HasPlayers)

	var p Player
	require.Equal(t, http.StatusOK, get(t, h, "/raffle/players/1", &p))
	require.Equal(t, rd.players[1].String(), p.Address)

	var e errorResponse
	require.Equal(t, http.StatusNotFound, get(t, h, "/raffle/players/2", &e))
	require.Contains(t, e.Error, "out of range")
	require.Equal(t, http.StatusBadRequest, get(t, h, "/raffle/players/x", nil))
	require.Equal(t, http.StatusBadRequest, get(t, h, "/raffle/players/-1", nil))

	var ss []Settlement
	require.Equal(t, http.StatusOK, get(t, h, "/raffle/settlements", &ss))
	require.Len(t, ss, 1)
	require.Equal(t, "07", ss[0].Randomness)
	require.Equal(t, rd.players[0].String(), ss[0].Winner)

	rd.err = xerrors.New("conode down")
	require.Equal(t, http.StatusBadGateway, get(t, h, "/raffle/", nil))
}
