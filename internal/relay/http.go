package relay

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

// ConfigInfo is the discovery payload served at /config.
type ConfigInfo struct {
	RelayPort       int    `json:"relayPort"`
	PairingRequired bool   `json:"pairingRequired"`
	InstanceID      string `json:"instanceId"`
	Epoch           int64  `json:"epoch"`
	DiscoveryPort   int    `json:"discoveryPort"`
}

// StatusInfo is served at /status. It never includes the pairing token.
type StatusInfo struct {
	RelayPort                  int             `json:"relayPort"`
	PairingRequired            bool            `json:"pairingRequired"`
	InstanceID                 string          `json:"instanceId"`
	Epoch                      int64           `json:"epoch"`
	ExtensionConnected         bool            `json:"extensionConnected"`
	ExtensionHandshakeComplete bool            `json:"extensionHandshakeComplete"`
	CDPConnected               bool            `json:"cdpConnected"`
	AnnotationConnected        bool            `json:"annotationConnected"`
	OpsConnected               bool            `json:"opsConnected"`
	OpsClients                 int             `json:"opsClients"`
	OwnedTabs                  int             `json:"ownedTabs"`
	Tab                        *TabInfo        `json:"tab,omitempty"`
	LastHandshakeError         *HandshakeError `json:"lastHandshakeError"`
	Health                     Health          `json:"health"`
}

// PairInfo is served at /pair to trusted callers only.
type PairInfo struct {
	Token      *string `json:"token"`
	InstanceID string  `json:"instanceId"`
	Epoch      int64   `json:"epoch"`
}

type configOutput struct {
	Body ConfigInfo
}

type statusOutput struct {
	Body StatusInfo
}

type pairOutput struct {
	Body PairInfo
}

// newRouter builds the control plane. The discovery variant serves only
// /config and /status.
func (r *Relay) newRouter(discovery bool) http.Handler {
	rules := map[string]accessRule{
		"/config": accessDiscovery,
		"/status": accessDiscovery,
	}
	if !discovery {
		rules["/pair"] = accessTrusted
		rules["/events"] = accessTrusted
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(r.rateLimitHTTP)
	router.Use(r.accessControl(rules))
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, protocol.CodeNotFound, "Not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, protocol.CodeMethodNotAllowed, "Method not allowed")
	})

	title := "Tab Relay Control Plane"
	if discovery {
		title = "Tab Relay Discovery"
	}
	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.DocsPath = ""
	cfg.OpenAPIPath = ""
	cfg.SchemasPath = ""
	cfg.CreateHooks = nil
	api := humachi.New(router, cfg)

	huma.Register(api, huma.Operation{OperationID: "get-config", Method: http.MethodGet, Path: "/config", Summary: "Relay discovery info", Tags: []string{"Discovery"}},
		func(ctx context.Context, input *struct{}) (*configOutput, error) {
			return &configOutput{Body: r.configInfo()}, nil
		})
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/status", Summary: "Channel state and health", Tags: []string{"Discovery"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: r.statusInfo()}, nil
		})
	if discovery {
		return router
	}

	huma.Register(api, huma.Operation{OperationID: "get-pair", Method: http.MethodGet, Path: "/pair", Summary: "Pairing token for trusted callers", Tags: []string{"Pairing"}},
		func(ctx context.Context, input *struct{}) (*pairOutput, error) {
			out := &pairOutput{Body: PairInfo{InstanceID: r.identity.InstanceID, Epoch: r.identity.Epoch}}
			if token := r.opts.PairingToken; token != "" {
				out.Body.Token = &token
			}
			return out, nil
		})
	router.Get("/events", r.serveEvents)
	return router
}

func (r *Relay) configInfo() ConfigInfo {
	return ConfigInfo{
		RelayPort:       r.Port(),
		PairingRequired: r.PairingRequired(),
		InstanceID:      r.identity.InstanceID,
		Epoch:           r.identity.Epoch,
		DiscoveryPort:   r.opts.DiscoveryPort,
	}
}

func (r *Relay) statusInfo() StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	health := r.healthLocked()
	info := StatusInfo{
		RelayPort:                  r.port,
		PairingRequired:            r.PairingRequired(),
		InstanceID:                 r.identity.InstanceID,
		Epoch:                      r.identity.Epoch,
		ExtensionConnected:         health.ExtensionConnected,
		ExtensionHandshakeComplete: health.ExtensionHandshakeComplete,
		CDPConnected:               health.CDPConnected,
		AnnotationConnected:        health.AnnotationConnected,
		OpsConnected:               health.OpsConnected,
		OpsClients:                 len(r.ops),
		OwnedTabs:                  len(r.owned),
		LastHandshakeError:         health.LastHandshakeError,
		Health:                     health,
	}
	if r.tab != nil {
		tab := *r.tab
		info.Tab = &tab
	}
	return info
}
