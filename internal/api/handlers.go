// Package api — административный REST поверх компонентов флота.
// Потребитель — операторский слой; ошибки отдаются как RFC 7807 problem+json.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/fleet"
	"fleetd/internal/heartbeat"
	"fleetd/internal/models"
	"fleetd/internal/ota"
	"fleetd/internal/queue"
	"fleetd/internal/registry"
)

type Handler struct {
	reg     *registry.Registry
	monitor *heartbeat.Monitor
	queues  *queue.Manager
	updates *ota.Controller
	ctrl    *fleet.Controller
}

func New(reg *registry.Registry, monitor *heartbeat.Monitor, queues *queue.Manager,
	updates *ota.Controller, ctrl *fleet.Controller) *Handler {
	return &Handler{reg: reg, monitor: monitor, queues: queues, updates: updates, ctrl: ctrl}
}

// GET /api/v1/devices?company=&location=&class=&status=
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Company:  q.Get("company"),
		Location: q.Get("location"),
		Class:    models.DeviceClass(q.Get("class")),
		Status:   models.DeviceStatus(q.Get("status")),
	}
	models.WriteJSON(w, http.StatusOK, h.reg.List(f))
}

// GET /api/v1/devices/{id}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dev, ok := h.reg.Get(id)
	if !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device "+id+" is not registered", nil)
		return
	}
	out := struct {
		models.Device
		Heartbeat *models.Heartbeat `json:"heartbeat,omitempty"`
	}{Device: dev}
	if hb, ok := h.monitor.Latest(id); ok {
		out.Heartbeat = &hb
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// PATCH /api/v1/devices/{id}/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch models.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "cannot parse config patch", nil)
		return
	}
	dev, err := h.ctrl.PushConfig(id, patch)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not Found", "device "+id+" is not registered", nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, dev)
}

// GET /api/v1/devices/{id}/queue
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := h.queues.Status(id)
	if !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "no queue for device "+id, nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, st)
}

// POST /api/v1/updates
func (h *Handler) CreateUpdate(w http.ResponseWriter, r *http.Request) {
	var spec models.UpdateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "cannot parse update spec", nil)
		return
	}
	u, err := h.updates.Create(spec)
	if err != nil {
		switch {
		case errors.Is(err, ota.ErrBadSpec):
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "version and package_url are required", nil)
		case errors.Is(err, ota.ErrNoSuchDevice):
			models.WriteProblem(w, http.StatusNotFound, "Not Found", "target device is not registered", nil)
		default:
			models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		}
		return
	}
	models.WriteJSON(w, http.StatusCreated, u)
}

// GET /api/v1/updates
func (h *Handler) ListUpdates(w http.ResponseWriter, _ *http.Request) {
	models.WriteJSON(w, http.StatusOK, h.updates.List())
}

// GET /api/v1/updates/{id}
func (h *Handler) GetUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	u, ok := h.updates.Get(id)
	if !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "update "+id+" does not exist", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, u)
}

// POST /api/v1/updates/{id}/deploy
func (h *Handler) DeployUpdate(w http.ResponseWriter, r *http.Request) {
	h.updateAction(w, mux.Vars(r)["id"], h.updates.Deploy)
}

// POST /api/v1/updates/{id}/cancel
func (h *Handler) CancelUpdate(w http.ResponseWriter, r *http.Request) {
	h.updateAction(w, mux.Vars(r)["id"], h.updates.Cancel)
}

func (h *Handler) updateAction(w http.ResponseWriter, id string, action func(string) error) {
	if err := action(id); err != nil {
		switch {
		case errors.Is(err, ota.ErrNotFound):
			models.WriteProblem(w, http.StatusNotFound, "Not Found", "update "+id+" does not exist", nil)
		case errors.Is(err, ota.ErrTerminal):
			models.WriteProblem(w, http.StatusConflict, "Conflict", "update "+id+" is already terminal", nil)
		default:
			models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		}
		return
	}
	u, _ := h.updates.Get(id)
	models.WriteJSON(w, http.StatusOK, u)
}

// GET /api/v1/fleet/stats
func (h *Handler) FleetStats(w http.ResponseWriter, _ *http.Request) {
	models.WriteJSON(w, http.StatusOK, h.ctrl.Stats())
}
