// Package api exposes the derived analytics over HTTP. Leaderboards come from
// the in-memory aggregate store; daily metrics are read back from ClickHouse.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/estensen/x402-pipeline/internal/stats"
)

// Server holds the API dependencies.
type Server struct {
	Deriver *stats.Deriver
	Conn    clickhouse.Conn
	Logger  *zap.Logger
}

// NewServer initializes a new API server instance.
func NewServer(deriver *stats.Deriver, conn clickhouse.Conn, logger *zap.Logger) *Server {
	return &Server{Deriver: deriver, Conn: conn, Logger: logger}
}

// DailyMetrics mirrors one daily_stats row.
type DailyMetrics struct {
	Date             time.Time `ch:"date" json:"date"`
	Volume           string    `ch:"-" json:"volume"`
	SettlementCount  uint64    `ch:"settlement_count" json:"settlement_count"`
	UniquePayers     uint64    `ch:"unique_payers" json:"unique_payers"`
	UniqueRecipients uint64    `ch:"unique_recipients" json:"unique_recipients"`
}

// TopPayersHandler handles /leaderboard/payers.
func (s *Server) TopPayersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Deriver.TopPayers(limitParam(r)))
}

// TopRecipientsHandler handles /leaderboard/recipients.
func (s *Server) TopRecipientsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Deriver.TopRecipients(limitParam(r)))
}

// FacilitatorsHandler handles /facilitators.
func (s *Server) FacilitatorsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Deriver.FacilitatorEconomics())
}

// DailyHandler handles /daily?date=YYYY-MM-DD, reading from ClickHouse.
func (s *Server) DailyHandler(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		http.Error(w, "Missing 'date' query parameter", http.StatusBadRequest)
		return
	}
	date, err := time.Parse(time.DateOnly, dateStr)
	if err != nil {
		http.Error(w, "Invalid date format. Use YYYY-MM-DD.", http.StatusBadRequest)
		return
	}

	row := s.Conn.QueryRow(r.Context(), `
		SELECT date, toString(volume), settlement_count, unique_payers, unique_recipients
		FROM daily_stats FINAL
		WHERE date = ?
	`, date)

	var m DailyMetrics
	if err := row.Scan(&m.Date, &m.Volume, &m.SettlementCount, &m.UniquePayers, &m.UniqueRecipients); err != nil {
		s.Logger.Warn("daily metrics lookup failed", zap.String("date", dateStr), zap.Error(err))
		http.Error(w, "No metrics for date", http.StatusNotFound)
		return
	}
	s.writeJSON(w, m)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("error encoding response", zap.Error(err))
	}
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 10
}

// StartServer registers the handlers and starts the API server.
func StartServer(addr string, server *Server) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/leaderboard/payers", server.TopPayersHandler)
	mux.HandleFunc("/leaderboard/recipients", server.TopRecipientsHandler)
	mux.HandleFunc("/facilitators", server.FacilitatorsHandler)
	mux.HandleFunc("/daily", server.DailyHandler)

	server.Logger.Info("API server running", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
