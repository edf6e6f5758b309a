package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketdata/internal/health"
	"marketdata/internal/marketdata"
	"marketdata/internal/preference"
	"marketdata/internal/provider"
)

const maxBulkSymbols = 1000

type api struct {
	svc       *marketdata.Service
	log       *slog.Logger
	timeout   time.Duration
	wsRefresh time.Duration
	// closing ends open streams when the server shuts down.
	closing <-chan struct{}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type bulkResponse struct {
	Quotes map[string]*provider.Quote `json:"quotes"`
	Errors map[string]errorBody       `json:"errors,omitempty"`
}

type providersResponse struct {
	Providers []health.ProviderStatus `json:"providers"`
	Stats     marketdata.Stats        `json:"stats"`
}

type postBody struct {
	Symbols []string `json:"symbols"`
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /api/providers", a.providers)
	mux.HandleFunc("GET /api/quotes", a.quotes)
	mux.HandleFunc("POST /api/quotes", a.quotes)
	mux.HandleFunc("GET /api/quotes/{symbol}", a.quote)
	mux.HandleFunc("GET /api/bars/{symbol}", a.bars)
	mux.HandleFunc("GET /api/snapshot/{symbol}", a.snapshot)
	mux.HandleFunc("GET /api/fundamentals/{symbol}", a.fundamentals)
	mux.HandleFunc("GET /api/indicators/{symbol}", a.indicators)
	mux.HandleFunc("POST /api/warmup", a.warmup)
	mux.HandleFunc("GET /ws/prices", a.stream)
	return mux
}

// scope bounds the request and carries the caller's tier and user id into
// provider preference resolution.
func (a *api) scope(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := r.Context()
	if tier := r.Header.Get("X-Tier"); tier != "" {
		ctx = preference.WithTier(ctx, tier)
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		ctx = preference.WithUser(ctx, user)
	}
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	rep := a.svc.Health(ctx)
	code := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (a *api) providers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	writeJSON(w, http.StatusOK, providersResponse{Providers: a.svc.GetProvidersStatus(ctx), Stats: a.svc.Stats()})
}

func (a *api) quotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if r.Method == http.MethodPost {
		var body postBody
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}
		symbols = body.Symbols
	} else {
		symbols = splitSymbols(r.URL.Query().Get("symbols"))
	}
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing symbols"})
		return
	}
	if len(symbols) > maxBulkSymbols {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("too many symbols (max %d)", maxBulkSymbols)})
		return
	}

	ctx, cancel := a.scope(r)
	defer cancel()
	quotes, errs := a.svc.GetBulkPrices(ctx, symbols)
	resp := bulkResponse{Quotes: quotes}
	if len(errs) > 0 {
		resp.Errors = make(map[string]errorBody, len(errs))
		for sym, err := range errs {
			resp.Errors[sym] = bodyFor(err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) quote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	q, err := a.svc.GetCurrentPrice(ctx, r.PathValue("symbol"))
	a.reply(w, r, q, err)
}

func (a *api) bars(w http.ResponseWriter, r *http.Request) {
	q, err := barsQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	ctx, cancel := a.scope(r)
	defer cancel()
	series, err := a.svc.GetHistoricalData(ctx, q)
	a.reply(w, r, series, err)
}

func barsQuery(r *http.Request) (marketdata.HistoricalQuery, error) {
	v := r.URL.Query()
	q := marketdata.HistoricalQuery{Symbol: r.PathValue("symbol"), Timeframe: provider.Day1}
	if s := v.Get("timeframe"); s != "" {
		tf, err := provider.ParseTimeframe(s)
		if err != nil {
			return q, err
		}
		q.Timeframe = tf
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	var err error
	if q.Start, err = parseTime(v.Get("start")); err != nil {
		return q, err
	}
	if q.End, err = parseTime(v.Get("end")); err != nil {
		return q, err
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, errors.New("end before start")
	}
	return q, nil
}

// parseTime accepts RFC 3339 or a plain date.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t, nil
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	s, err := a.svc.GetSnapshot(ctx, r.PathValue("symbol"))
	a.reply(w, r, s, err)
}

func (a *api) fundamentals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	f, err := a.svc.GetFundamentals(ctx, r.PathValue("symbol"))
	a.reply(w, r, f, err)
}

func (a *api) indicators(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.scope(r)
	defer cancel()
	ind, err := a.svc.GetTechnicalIndicators(ctx, r.PathValue("symbol"))
	a.reply(w, r, ind, err)
}

func (a *api) warmup(w http.ResponseWriter, r *http.Request) {
	var body postBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || len(body.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must list symbols"})
		return
	}
	ctx, cancel := a.scope(r)
	defer cancel()
	if err := a.svc.WarmupCache(ctx, body.Symbols); err != nil {
		a.log.Warn("warmup incomplete", "symbols", len(body.Symbols), "error", err)
		writeJSON(w, http.StatusMultiStatus, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) reply(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			a.log.Warn("request failed", "path", r.URL.Path, "status", code, "error", err)
		}
		writeJSON(w, code, bodyFor(err))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, marketdata.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch provider.CodeOf(err) {
	case provider.CodeInvalidSymbol, provider.CodeUnsupported:
		return http.StatusBadRequest
	case provider.CodeInsufficientData:
		return http.StatusUnprocessableEntity
	case provider.CodeRateLimited:
		return http.StatusTooManyRequests
	case provider.CodeNoSourceAvailable, provider.CodeNetwork, provider.CodeInvalidResponse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func bodyFor(err error) errorBody {
	return errorBody{Error: err.Error(), Code: string(provider.CodeOf(err))}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
