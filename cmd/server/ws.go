package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
)

const (
	writeWait   = 10 * time.Second
	streamQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamMessage struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol,omitempty"`
	Quote  *provider.Quote `json:"quote,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

// stream pushes price updates for ?symbols= over a websocket. Each
// connection holds one subscription per symbol and periodically refreshes
// them in bulk so updates keep flowing without other traffic.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing symbols"})
		return
	}
	for _, s := range symbols {
		if !a.svc.IsSymbolValid(s) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid symbol " + s, Code: string(provider.CodeInvalidSymbol)})
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates := make(chan provider.Quote, streamQueue)
	subs := make([]*marketdata.Subscription, 0, len(symbols))
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, sym := range symbols {
		sub, err := a.svc.SubscribeToPrice(sym, func(q provider.Quote) {
			select {
			case updates <- q:
			default:
			}
		})
		if err != nil {
			_ = a.write(conn, streamMessage{Type: "error", Symbol: sym, Error: ptr(bodyFor(err))})
			return
		}
		subs = append(subs, sub)
	}

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial, errs := a.svc.GetBulkPrices(ctx, symbols)
	for sym, q := range initial {
		if err := a.write(conn, streamMessage{Type: "quote", Symbol: sym, Quote: q}); err != nil {
			return
		}
	}
	for sym, ferr := range errs {
		if err := a.write(conn, streamMessage{Type: "error", Symbol: sym, Error: ptr(bodyFor(ferr))}); err != nil {
			return
		}
	}

	if a.wsRefresh > 0 {
		go a.refresh(ctx, symbols)
	}

	for {
		select {
		case <-a.closing:
			closeStream(conn, websocket.CloseGoingAway)
			return
		case <-ctx.Done():
			closeStream(conn, websocket.CloseNormalClosure)
			return
		case q := <-updates:
			if err := a.write(conn, streamMessage{Type: "quote", Symbol: q.Symbol, Quote: &q}); err != nil {
				a.log.Debug("websocket write", "error", err)
				return
			}
		}
	}
}

// refresh re-reads the streamed symbols on a ticker. Fresh fetches reach
// the connection through its subscriptions.
func (a *api) refresh(ctx context.Context, symbols []string) {
	t := time.NewTicker(a.wsRefresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, errs := a.svc.GetBulkPrices(ctx, symbols)
			if len(errs) > 0 {
				a.log.Debug("stream refresh", "failed", len(errs))
			}
		}
	}
}

func (a *api) write(conn *websocket.Conn, m streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

func closeStream(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
}

func ptr[T any](v T) *T { return &v }
