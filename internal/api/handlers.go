package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/settlement"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleHealth reports the status of every registered dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{
		"status":     status,
		"checks":     checks,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"ws_clients": s.hub.GetClientCount(),
	}
	if s.deps.Cycles != nil {
		if last := s.deps.Cycles.LastCycle(); last != nil {
			body["last_cycle"] = last.CycleTime
		}
	}
	c.JSON(code, body)
}

// GET /api/states
func (s *Server) handleGetStates(c *gin.Context) {
	states, err := s.deps.Store.ListStates(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list asset states")
		errorResponse(c, http.StatusInternalServerError, "failed to list asset states")
		return
	}
	successResponse(c, states)
}

// GET /api/states/:market
func (s *Server) handleGetState(c *gin.Context) {
	market := strings.ToUpper(c.Param("market"))
	state, err := s.deps.Store.LoadState(c.Request.Context(), market)
	if errors.Is(err, database.ErrStateNotFound) {
		errorResponse(c, http.StatusNotFound, "unknown market "+market)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("market", market).Msg("Failed to load asset state")
		errorResponse(c, http.StatusInternalServerError, "failed to load asset state")
		return
	}
	successResponse(c, state)
}

// GET /api/trades?since=RFC3339|YYYY-MM-DD&limit=N
func (s *Server) handleGetTrades(c *gin.Context) {
	since, limit, ok := listParams(c)
	if !ok {
		return
	}
	trades, err := s.deps.Store.ListTrades(c.Request.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list trades")
		errorResponse(c, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []settlement.TradeLogEntry{}
	}
	successResponse(c, trades)
}

// GET /api/trades/summary?from=&to=
func (s *Server) handleGetTradeSummary(c *gin.Context) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	trades, err := s.deps.Store.ListTrades(c.Request.Context(), from, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list trades")
		errorResponse(c, http.StatusInternalServerError, "failed to list trades")
		return
	}
	successResponse(c, settlement.Summarize(trades, from, to))
}

// GET /api/trades/by-market, best market first
func (s *Server) handleGetMarketPnL(c *gin.Context) {
	trades, err := s.deps.Store.ListTrades(c.Request.Context(), time.Time{}, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list trades")
		errorResponse(c, http.StatusInternalServerError, "failed to list trades")
		return
	}
	successResponse(c, settlement.Ranked(settlement.AggregateTrades(trades)))
}

// GET /api/capital?since=&limit=
func (s *Server) handleGetCapital(c *gin.Context) {
	since, limit, ok := listParams(c)
	if !ok {
		return
	}
	snapshots, err := s.deps.Store.ListCapital(c.Request.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list capital snapshots")
		errorResponse(c, http.StatusInternalServerError, "failed to list capital snapshots")
		return
	}
	if snapshots == nil {
		snapshots = []database.CapitalSnapshot{}
	}
	successResponse(c, snapshots)
}

// GET /api/cycle/last
func (s *Server) handleGetLastCycle(c *gin.Context) {
	if s.deps.Cycles == nil {
		errorResponse(c, http.StatusNotFound, "no cycle has run yet")
		return
	}
	last := s.deps.Cycles.LastCycle()
	if last == nil {
		errorResponse(c, http.StatusNotFound, "no cycle has run yet")
		return
	}
	successResponse(c, last)
}

// listParams reads since and limit, writing a 400 when either is invalid
func listParams(c *gin.Context) (time.Time, int, bool) {
	since, err := parseTime(c.Query("since"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid since: "+err.Error())
		return time.Time{}, 0, false
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return time.Time{}, 0, false
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return since, limit, true
}

// parseTime accepts RFC3339 or a bare date; empty is the zero time
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
