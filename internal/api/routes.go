package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *Handler) {
	sub := r.PathPrefix("/api/v1").Subrouter()

	sub.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id}", h.GetDevice).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id}/config", h.UpdateConfig).Methods(http.MethodPatch)
	sub.HandleFunc("/devices/{id}/queue", h.GetQueueStatus).Methods(http.MethodGet)

	sub.HandleFunc("/updates", h.CreateUpdate).Methods(http.MethodPost)
	sub.HandleFunc("/updates", h.ListUpdates).Methods(http.MethodGet)
	sub.HandleFunc("/updates/{id}", h.GetUpdate).Methods(http.MethodGet)
	sub.HandleFunc("/updates/{id}/deploy", h.DeployUpdate).Methods(http.MethodPost)
	sub.HandleFunc("/updates/{id}/cancel", h.CancelUpdate).Methods(http.MethodPost)

	sub.HandleFunc("/fleet/stats", h.FleetStats).Methods(http.MethodGet)
}
