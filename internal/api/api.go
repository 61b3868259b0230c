// Package api serves the read-only HTTP surface: per-user points, per-user
// event history, and a points leaderboard, behind a permissive CORS policy
// suitable for a public dashboard frontend.
package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sage-finance/sagepoints/internal/model"
	"github.com/sage-finance/sagepoints/internal/points"
	"github.com/sage-finance/sagepoints/internal/store"
)

// weiDecimals is the SAGE token's decimal precision; amounts are stored on
// chain as wei-scale integers and reported to clients as whole tokens.
const weiDecimals = -18

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// envelope is the uniform JSON response shape for every endpoint.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// UserPoints is the per-user points response payload.
type UserPoints struct {
	Address         string  `json:"address"`
	SagePoints      float64 `json:"sage_points"`
	FormationPoints float64 `json:"formation_points"`
	TotalPoints     float64 `json:"total_points"`
	ActiveAmount    float64 `json:"active_amount"`
	UnstakingAmount float64 `json:"unstaking_amount"`
	WithdrawnAmount float64 `json:"withdrawn_amount"`
}

// UserEvent is one entry in a user's event history response.
type UserEvent struct {
	EventType   string `json:"event_type"`
	Amount      string `json:"amount"`
	Nonce       uint64 `json:"nonce"`
	Timestamp   string `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`
	Status      string `json:"status"`
}

// LeaderboardEntry is one ranked row in the leaderboard response.
type LeaderboardEntry struct {
	Rank            int     `json:"rank"`
	Address         string  `json:"address"`
	SagePoints      float64 `json:"sage_points"`
	FormationPoints float64 `json:"formation_points"`
	TotalPoints     float64 `json:"total_points"`
}

// Server wires the Store to chi routes.
type Server struct {
	store store.Store
	log   *zap.SugaredLogger
}

// New builds a chi-routed http.Handler over st.
func New(st store.Store, log *zap.SugaredLogger) http.Handler {
	s := &Server{store: st, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		MaxAge:           3600,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/points/{address}", s.handlePoints)
	r.Get("/api/events/{address}", s.handleEvents)
	r.Get("/api/leaderboard", s.handleLeaderboard)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"status":  "healthy",
		"service": "sagepoints",
	}})
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !addressPattern.MatchString(address) {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "Invalid address format"})
		return
	}

	positions, err := s.store.UserPositions(r.Context(), address)
	if err != nil {
		s.log.Errorw("failed to load user positions", "address", address, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "Failed to fetch user points"})
		return
	}

	now := time.Now()
	result := UserPoints{Address: address}
	activeAmount := decimal.Zero
	unstakingAmount := decimal.Zero
	withdrawnAmount := decimal.Zero

	for _, pos := range positions {
		totals := points.Compute(pos, now)
		sage, _ := totals.Sage.Float64()
		formation, _ := totals.Formation.Float64()
		result.SagePoints += sage
		result.FormationPoints += formation

		switch pos.Status {
		case model.StatusActive:
			activeAmount = activeAmount.Add(tokenAmount(pos.Amount))
		case model.StatusUnstaking:
			unstakingAmount = unstakingAmount.Add(tokenAmount(pos.Amount))
		case model.StatusWithdrawn:
			withdrawnAmount = withdrawnAmount.Add(tokenAmount(pos.Amount))
		}
	}
	result.TotalPoints = result.SagePoints + result.FormationPoints
	result.ActiveAmount, _ = activeAmount.Float64()
	result.UnstakingAmount, _ = unstakingAmount.Float64()
	result.WithdrawnAmount, _ = withdrawnAmount.Float64()

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !addressPattern.MatchString(address) {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "Invalid address format"})
		return
	}

	views, err := s.store.UserEvents(r.Context(), address)
	if err != nil {
		s.log.Errorw("failed to load user events", "address", address, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "Failed to fetch user events"})
		return
	}

	out := make([]UserEvent, 0, len(views))
	for _, v := range views {
		var nonce uint64
		if v.Nonce != nil {
			nonce = *v.Nonce
		}
		amount := decimal.Zero
		if v.Amount != nil {
			amount = tokenAmount(v.Amount)
		}
		out = append(out, UserEvent{
			EventType:   v.EventType,
			Amount:      amount.StringFixed(6),
			Nonce:       nonce,
			Timestamp:   time.Unix(int64(v.Timestamp), 0).UTC().Format(time.RFC3339),
			BlockNumber: v.BlockNumber,
			Status:      v.Status,
		})
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	rows, err := s.store.Leaderboard(r.Context(), limit)
	if err != nil {
		s.log.Errorw("failed to load leaderboard", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "Failed to fetch leaderboard"})
		return
	}

	out := make([]LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		sage := parseFloat(row.SagePoints)
		formation := parseFloat(row.FormationPoints)
		out = append(out, LeaderboardEntry{
			Rank:            i + 1,
			Address:         row.UserAddress,
			SagePoints:      sage,
			FormationPoints: formation,
			TotalPoints:     sage + formation,
		})
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func tokenAmount(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, weiDecimals)
}
