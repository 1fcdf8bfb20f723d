package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"swapdmt/internal/controller"
	"swapdmt/internal/gateway"
	"swapdmt/internal/swap"
)

// moteView is a mote snapshot enriched with device definition names.
type moteView struct {
	swap.MoteInfo
	Index        int    `json:"index"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
}

func (s *Server) moteView(index int, m *swap.Mote) moteView {
	v := moteView{MoteInfo: m.Info(), Index: index}
	mf, prod := m.ProductCode()
	db := s.ctrl.DeviceDB()
	v.Manufacturer = db.ManufacturerName(mf)
	if def := db.Lookup(mf, prod); def != nil {
		v.Product = def.Name
	}
	return v
}

func (s *Server) handleAPIListMotes(w http.ResponseWriter, r *http.Request) {
	motes := s.ctrl.Motes()
	views := make([]moteView, 0, len(motes))
	for i, m := range motes {
		views = append(views, s.moteView(i, m))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetMote(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	for i, m := range s.ctrl.Motes() {
		if m.Address() == addr {
			s.writeJSON(w, http.StatusOK, s.moteView(i, m))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "mote not found"})
}

func (s *Server) handleAPIRemoveMote(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
		return
	}
	if err := s.ctrl.RemoveMote(index); err != nil {
		s.writeError(w, "remove mote", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setParamRequest struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

func (s *Server) handleAPISetMoteParam(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req setParamRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if err := s.ctrl.SetMoteParam(r.Context(), addr, req.Name, req.Value); err != nil {
		s.writeError(w, "set mote param", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequest struct {
	Register uint8 `json:"reg"`
}

func (s *Server) handleAPIQueryMote(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.QueryMote(r.Context(), addr, req.Register); err != nil {
		s.writeError(w, "query mote", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleAPIGateway(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.GatewayInfo())
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	ok := s.ctrl.Connect(r.Context())
	s.writeResult(w, ok)
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	ok := s.ctrl.Disconnect()
	s.writeResult(w, ok)
}

type networkRequest struct {
	Channel   uint8  `json:"channel"`
	NetworkID uint16 `json:"network_id"`
	Security  uint8  `json:"security"`
}

func (s *Server) handleAPISetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeResult(w, s.ctrl.SetNetworkParams(r.Context(), req.Channel, req.NetworkID, req.Security))
}

type addressRequest struct {
	Address uint8 `json:"address"`
}

func (s *Server) handleAPISetAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeResult(w, s.ctrl.SetDeviceAddress(r.Context(), req.Address))
}

type serialRequest struct {
	Port  string `json:"port"`
	Speed int    `json:"speed"`
}

func (s *Server) handleAPISetSerial(w http.ResponseWriter, r *http.Request) {
	var req serialRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeResult(w, s.ctrl.SetSerialParams(req.Port, req.Speed))
}

// pathAddress parses the {addr} path value, accepting decimal or 0x hex.
func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	v, err := strconv.ParseUint(r.PathValue("addr"), 0, 8)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return 0, false
	}
	return uint8(v), true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeResult reports a boolean controller outcome together with the
// current gateway state.
func (s *Server) writeResult(w http.ResponseWriter, ok bool) {
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]any{
		"ok":      ok,
		"gateway": s.ctrl.GatewayInfo(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, controller.ErrNotFound), errors.Is(err, controller.ErrOutOfRange):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, controller.ErrUnknownParam), errors.Is(err, controller.ErrParamRange):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrNotConnected):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "gateway not connected"})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
