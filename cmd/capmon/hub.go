package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/config"
	"vrcap/perfcap/pkg/metrics"
	"vrcap/perfcap/pkg/monitor"
	"vrcap/perfcap/pkg/proto"
)

const maxRecentZones = 500

var (
	errNotConnected = errors.New("no capture session")
	errUnknownParam = errors.New("unknown parameter")
)

type envelope struct {
	Type string `json:"type"` // session, zone, log, params
	Data any    `json:"data"`
}

type logLine struct {
	Stream    uint32 `json:"stream"`
	Thread    string `json:"thread"`
	Priority  string `json:"priority"`
	Timestamp uint64 `json:"timestamp"`
	Message   string `json:"message"`
}

type sessionInfo struct {
	Connected bool      `json:"connected"`
	Target    string    `json:"target,omitempty"`
	Flags     string    `json:"flags,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Recording string    `json:"recording,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// paramRequest selects a parameter by label name or id.
type paramRequest struct {
	ID    uint32  `json:"id"`
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type viewer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (v *viewer) send(env envelope) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return v.ws.WriteJSON(env)
}

type hub struct {
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Monitor
	model   *monitor.Model
	export  *monitor.ZoneExporter
	record  bool

	reconnect chan struct{}

	mu      sync.RWMutex
	cfg     config.MonitorConfig
	viewers map[*viewer]struct{}
	zones   []monitor.Zone
	session sessionInfo
	conn    *monitor.Conn
}

func newHub(cfg config.MonitorConfig, log *zap.Logger) *hub {
	reg := prometheus.NewRegistry()
	return &hub{
		log:       log,
		reg:       reg,
		metrics:   metrics.NewMonitor(reg),
		model:     monitor.NewModel(),
		reconnect: make(chan struct{}, 1),
		cfg:       cfg,
		viewers:   map[*viewer]struct{}{},
	}
}

func (h *hub) config() config.MonitorConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// setConfig swaps the config and asks for a new session when the
// connection settings changed.
func (h *hub) setConfig(cfg config.MonitorConfig) {
	h.mu.Lock()
	old := h.cfg
	h.cfg = cfg
	h.mu.Unlock()
	if old.Target != cfg.Target || fmt.Sprint(old.Flags) != fmt.Sprint(cfg.Flags) ||
		fmt.Sprint(old.DNSServers) != fmt.Sprint(cfg.DNSServers) || old.ZeroConfigPort != cfg.ZeroConfigPort {
		h.requestReconnect()
	}
}

func (h *hub) requestReconnect() {
	select {
	case h.reconnect <- struct{}{}:
	default:
	}
}

func (h *hub) broadcast(env envelope) {
	h.mu.RLock()
	vs := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		vs = append(vs, v)
	}
	h.mu.RUnlock()
	for _, v := range vs {
		if err := v.send(env); err != nil {
			h.log.Debug("viewer write failed", zap.Error(err))
			v.ws.Close()
		}
	}
}

func (h *hub) addZone(z monitor.Zone) {
	h.mu.Lock()
	// cap at maxRecentZones
	if len(h.zones) >= maxRecentZones {
		h.zones = append(h.zones[1:], z)
	} else {
		h.zones = append(h.zones, z)
	}
	h.mu.Unlock()
}

func (h *hub) setSession(si sessionInfo, conn *monitor.Conn) {
	h.mu.Lock()
	h.session = si
	h.conn = conn
	h.mu.Unlock()
	h.broadcast(envelope{Type: "session", Data: si})
}

func (h *hub) sessionInfo() sessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// setParam forwards an override to the capture host.
func (h *hub) setParam(req paramRequest) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	id := req.ID
	if req.Label != "" {
		var ok bool
		if id, ok = h.model.LabelID(req.Label); !ok {
			return errUnknownParam
		}
	}
	for _, p := range h.model.Params() {
		if p.ID != id {
			continue
		}
		switch p.Kind {
		case "float":
			return conn.SetFloat(id, float32(req.Value))
		case "int":
			return conn.SetInt(id, int32(math.Round(req.Value)))
		case "bool":
			return conn.SetBool(id, req.Value != 0)
		case "button":
			return conn.PressButton(id)
		}
	}
	return errUnknownParam
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	v := &viewer{ws: ws}
	// register before sending the initial state so no broadcast is missed;
	// holding v.mu keeps broadcasts behind it
	v.mu.Lock()
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSClients(1)
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = ws.WriteJSON(envelope{Type: "session", Data: h.sessionInfo()})
	if err == nil {
		err = ws.WriteJSON(envelope{Type: "params", Data: h.model.Params()})
	}
	v.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.viewers, v)
		h.mu.Unlock()
		h.metrics.WSClients(-1)
		ws.Close()
	}()
	if err != nil {
		return
	}

	for {
		var env struct {
			Type string       `json:"type"`
			Data paramRequest `json:"data"`
		}
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "param":
			if err := h.setParam(env.Data); err != nil {
				h.log.Info("param override rejected", zap.String("label", env.Data.Label), zap.Error(err))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *hub) handleAPI() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.sessionInfo())
	})
	mux.HandleFunc("/api/params", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, h.model.Params())
		case http.MethodPost:
			var req paramRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			switch err := h.setParam(req); {
			case err == nil:
				w.WriteHeader(http.StatusNoContent)
			case errors.Is(err, errNotConnected):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			case errors.Is(err, errUnknownParam):
				http.Error(w, err.Error(), http.StatusNotFound)
			default:
				http.Error(w, err.Error(), http.StatusBadGateway)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/sensors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.model.Sensors())
	})
	mux.HandleFunc("/api/threads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.model.Threads())
	})
	mux.HandleFunc("/api/zones", func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		defer h.mu.RUnlock()
		writeJSON(w, h.zones)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// run keeps a session open until ctx ends, reconnecting after
// ReconnectDelay or as soon as a reconnect is requested.
func (h *hub) run(ctx context.Context) {
	for ctx.Err() == nil {
		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			select {
			case <-h.reconnect:
				cancel()
			case <-done:
			}
		}()
		err := h.runSession(sctx)
		close(done)
		cancel()

		si := sessionInfo{}
		if err != nil && ctx.Err() == nil {
			si.LastError = err.Error()
			h.log.Warn("capture session ended", zap.Error(err))
		}
		h.setSession(si, nil)

		delay := h.config().ReconnectDelay
		if delay <= 0 {
			delay = 3 * time.Second
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-h.reconnect:
		case <-t.C:
		}
		t.Stop()
	}
}

func (h *hub) runSession(ctx context.Context) error {
	cfg := h.config()
	addr, name, err := resolveTarget(ctx, cfg, h.log)
	if err != nil {
		return err
	}
	conn, err := monitor.Dial(ctx, addr, cfg.RequestFlags(), dialOptions(cfg, h.log, h.metrics))
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	h.model.Reset()
	h.export.Reset()
	h.mu.Lock()
	h.zones = nil
	h.mu.Unlock()

	si := sessionInfo{Connected: true, Target: addr, Flags: conn.Header.Flags.String(), Since: time.Now()}
	if h.record {
		rec, err := monitor.Recorder{Dir: cfg.RecordDir, Compress: cfg.Compress}.Create(name)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				h.log.Warn("recording close failed", zap.String("path", rec.Path), zap.Error(err))
			}
		}()
		if err := conn.Record(rec); err != nil {
			return err
		}
		si.Recording = rec.Path
	}
	h.setSession(si, conn)
	h.broadcast(envelope{Type: "params", Data: h.model.Params()})

	for {
		e, err := conn.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.apply(e)
	}
}

func (h *hub) apply(e monitor.Event) {
	if z, ok := h.model.Apply(e); ok {
		h.addZone(z)
		h.export.Export(z)
		h.broadcast(envelope{Type: "zone", Data: z})
		return
	}
	switch p := e.Packet.(type) {
	case *proto.Log:
		h.broadcast(envelope{Type: "log", Data: logLine{
			Stream:    e.Stream,
			Thread:    h.model.Threads()[e.Stream],
			Priority:  p.Priority.String(),
			Timestamp: p.Timestamp,
			Message:   string(e.Payload),
		}})
	case *proto.FloatParamRange, *proto.IntParamRange, *proto.BoolParamSet, *proto.ButtonParam:
		h.broadcast(envelope{Type: "params", Data: h.model.Params()})
	}
}
