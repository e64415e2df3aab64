// Package gateway serves a read-only JSON view of a raffle over HTTP.
package gateway

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/dedis/raffle/raffle"
	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Reader is the part of the raffle client the gateway needs.
type Reader interface {
	GetState() (*raffle.GetStateReply, error)
	CheckUpkeep() (*raffle.CheckUpkeepReply, error)
	GetPlayer(index int) (*raffle.GetPlayerReply, error)
	GetSettlements() (*raffle.GetSettlementsReply, error)
}

type State struct {
	Network        string    `json:"network"`
	Raffle         string    `json:"raffle"`
	Oracle         string    `json:"oracle"`
	EntranceFee    uint64    `json:"entrance_fee"`
	Interval       string    `json:"interval"`
	SubscriptionID uint64    `json:"subscription_id"`
	State          string    `json:"state"`
	Round          uint64    `json:"round"`
	NumPlayers     int       `json:"num_players"`
	Pot            uint64    `json:"pot"`
	PendingRequest uint64    `json:"pending_request,omitempty"`
	RecentWinner   string    `json:"recent_winner,omitempty"`
	LastSettlement time.Time `json:"last_settlement"`
}

type Upkeep struct {
	Needed     bool `json:"upkeep_needed"`
	IsOpen     bool `json:"is_open"`
	HasPlayers bool `json:"has_players"`
	HasBalance bool `json:"has_balance"`
	TimePassed bool `json:"time_passed"`
}

type Player struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
}

type Settlement struct {
	Round      uint64    `json:"round"`
	RequestID  uint64    `json:"request_id"`
	Winner     string    `json:"winner"`
	Index      int       `json:"index"`
	NumPlayers int       `json:"num_players"`
	Prize      uint64    `json:"prize"`
	Randomness string    `json:"randomness"`
	Time       time.Time `json:"time"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router returns the routes of the gateway.
func Router(rd Reader) http.Handler {
	h := &handler{rd: rd}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Route("/raffle", func(r chi.Router) {
		r.Get("/", h.state)
		r.Get("/upkeep", h.upkeep)
		r.Get("/players/{index}", h.player)
		r.Get("/settlements", h.settlements)
	})
	return r
}

type handler struct {
	rd Reader
}

func address(a rbase.Address) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}

func fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Errorf("gateway %s %s: %v", r.Method, r.URL.Path, err)
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	st, err := h.rd.GetState()
	if err != nil {
		fail(w, r, http.StatusBadGateway, err)
		return
	}
	render.JSON(w, r, State{
		Network:        st.Network,
		Raffle:         address(st.Raffle),
		Oracle:         address(st.Oracle),
		EntranceFee:    st.EntranceFee,
		Interval:       st.Interval.String(),
		SubscriptionID: st.SubscriptionID,
		State:          st.Status.String(),
		Round:          st.Round,
		NumPlayers:     st.NumPlayers,
		Pot:            st.Pot,
		PendingRequest: st.PendingRequest,
		RecentWinner:   address(st.RecentWinner),
		LastSettlement: time.Unix(0, st.LastSettlement).UTC(),
	})
}

func (h *handler) upkeep(w http.ResponseWriter, r *http.Request) {
	reply, err := h.rd.CheckUpkeep()
	if err != nil {
		fail(w, r, http.StatusBadGateway, err)
		return
	}
	render.JSON(w, r, Upkeep{
		Needed:     reply.Needed,
		IsOpen:     reply.Status.IsOpen,
		HasPlayers: reply.Status.HasPlayers,
		HasBalance: reply.Status.HasBalance,
		TimePassed: reply.Status.TimePassed,
	})
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		fail(w, r, http.StatusBadRequest, xerrors.New("index must be a non-negative integer"))
		return
	}
	reply, err := h.rd.GetPlayer(index)
	if err != nil {
		if xerrors.Is(err, rbase.ErrIndexOutOfRange) {
			fail(w, r, http.StatusNotFound, err)
			return
		}
		fail(w, r, http.StatusBadGateway, err)
		return
	}
	render.JSON(w, r, Player{Index: index, Address: reply.Player.String()})
}

func (h *handler) settlements(w http.ResponseWriter, r *http.Request) {
	reply, err := h.rd.GetSettlements()
	if err != nil {
		fail(w, r, http.StatusBadGateway, err)
		return
	}
	out := make([]Settlement, len(reply.Settlements))
	for i, s := range reply.Settlements {
		out[i] = Settlement{
			Round:      s.Round,
			RequestID:  s.RequestID,
			Winner:     s.Winner.String(),
			Index:      s.Index,
			NumPlayers: s.NumPlayers,
			Prize:      s.Prize,
			Randomness: hex.EncodeToString(s.Randomness),
			Time:       time.Unix(0, s.Time).UTC(),
		}
	}
	render.JSON(w, r, out)
}
