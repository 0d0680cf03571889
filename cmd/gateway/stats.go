package main

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/mcp-gateway/internal/auditlog"
	"github.com/ashureev/mcp-gateway/internal/validate"
)

type statsResponse struct {
	LiveConnections int               `json:"liveConnections"`
	ValidationCache validate.CacheStats `json:"validationCache"`
	AuditLogEnabled bool              `json:"auditLogEnabled"`
}

// statsHandler reports a point-in-time snapshot of gateway load, used by
// operators rather than clients (no auth gate, unlike the /ws pipeline).
func statsHandler(srv liveCounter, validator *validate.Validator, audit *auditlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			LiveConnections: srv.LiveConnections(),
			ValidationCache: validator.Stats(),
			AuditLogEnabled: audit != nil,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type liveCounter interface {
	LiveConnections() int
}
