package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/store"
)

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.telegram != nil {
		mux.Handle("POST /webhook/telegram", s.telegram)
	}
	if s.invoices != nil {
		mux.HandleFunc("POST /webhook/oxapay", s.handleOxapay)
	}

	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("channels.status", s.rpcChannelsStatus)
	s.Handle("events.subscribe", s.rpcEventsSubscribe)
	if s.admin != nil {
		s.Handle("session.list", s.rpcSessionList)
		s.Handle("session.clear", s.rpcSessionClear)
		s.Handle("order.list", s.rpcOrderList)
		s.Handle("order.get", s.rpcOrderGet)
	}
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h, err := s.health(rc.Context)
	if err != nil {
		h.Error = err.Error()
	}
	h.Version = s.version
	h.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	h.Clients = s.clients.Count()
	if s.channels != nil {
		h.Channels = make(map[string]bool)
		for _, st := range s.channels.Status() {
			h.Channels[st.ChannelID] = st.Connected
		}
	}
	rc.Respond(h)
}

func (s *Server) rpcChannelsStatus(rc *RequestContext) {
	if s.channels != nil {
		rc.Respond(map[string]any{"channels": s.channels.Status()})
		return
	}
	rc.Respond(map[string]any{"channels": []any{}})
}

func (s *Server) rpcEventsSubscribe(rc *RequestContext) {
	var p SubscribeParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	for _, e := range p.Events {
		if !slices.Contains(hooks.AdminEvents, e) {
			rc.RespondError("invalid_params", fmt.Sprintf("unknown event %q", e))
			return
		}
	}
	rc.Client.Subscribe(p.Events)
	events := p.Events
	if len(events) == 0 {
		events = hooks.AdminEvents
	}
	rc.Respond(map[string]any{"events": events})
}

func (s *Server) rpcSessionList(rc *RequestContext) {
	var p ListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	sessions, err := s.admin.Sessions(rc.Context, p.limit())
	if err != nil {
		rc.fail(err)
		return
	}
	rc.Respond(map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) rpcSessionClear(rc *RequestContext) {
	var p UserParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.UserID == "" {
		rc.RespondError("invalid_params", "userId is required")
		return
	}
	if err := s.admin.ClearSession(rc.Context, p.UserID); err != nil {
		rc.fail(err)
		return
	}
	s.log.Info().Str("user", p.UserID).Str("connId", rc.Client.ConnID).Msg("session cleared over RPC")
	rc.Respond(map[string]any{"userId": p.UserID, "cleared": true})
}

func (s *Server) rpcOrderList(rc *RequestContext) {
	var p ListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	orders, err := s.admin.Orders(rc.Context, p.UserID, p.limit())
	if err != nil {
		rc.fail(err)
		return
	}
	rc.Respond(map[string]any{"orders": orders, "count": len(orders)})
}

func (s *Server) rpcOrderGet(rc *RequestContext) {
	var p IDParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ID == "" {
		rc.RespondError("invalid_params", "id is required")
		return
	}
	order, err := s.admin.Order(rc.Context, p.ID)
	if err != nil {
		rc.fail(err)
		return
	}
	rc.Respond(order)
}

// fail maps an admin error to an error response.
func (rc *RequestContext) fail(err error) {
	if errors.Is(err, store.ErrNotFound) {
		rc.RespondError("not_found", err.Error())
		return
	}
	rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("rpc failed")
	rc.RespondError("internal", err.Error())
}
