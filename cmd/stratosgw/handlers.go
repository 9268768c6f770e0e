package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/stratos-labs/ai-gateway"
	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/pricing"
	"github.com/stratos-labs/ai-gateway/providers"
)

type contextKey string

const principalKey contextKey = "principal"

// newRouter builds the HTTP router.
func newRouter(gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/health", healthHandler(gw))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/models", modelsHandler(gw))
	r.Get("/models", modelsHandler(gw))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(gw))
		r.Post("/v1/chat/completions", chatHandler(gw))
		r.Post("/v1/images/generations", imagesHandler(gw))
		r.Get("/v1/usage", usageHandler(gw))
		r.Get("/v1/plans", plansHandler(gw))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminMiddleware(gw))
		r.Post("/registry/refresh", refreshHandler(gw))
	})

	return r
}

// clientIP returns the request's client address without the port.
// middleware.RealIP has already rewritten RemoteAddr when the request came
// through a proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// authMiddleware authenticates the bearer key and stores the principal in
// the request context.
func authMiddleware(gw *gateway.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := gw.Authenticate(r.Context(), bearerToken(r), authgate.RequestMeta{
				ClientIP:  clientIP(r),
				Referer:   r.Header.Get("Referer"),
				UserAgent: r.Header.Get("User-Agent"),
			})
			if err != nil {
				writeRequestError(w, gateway.AsRequestError(err))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFrom(r *http.Request) *authgate.Principal {
	p, _ := r.Context().Value(principalKey).(*authgate.Principal)
	return p
}

// adminMiddleware compares the bearer against the fixed admin secret.
func adminMiddleware(gw *gateway.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authgate.AdminSecretMatches(bearerToken(r), gw.Config().AdminAPIKey) {
				writeError(w, http.StatusUnauthorized, "invalid_credential", "admin credential required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// chatHandler serves /v1/chat/completions, unary and streaming.
func chatHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		dec := json.NewDecoder(r.Body)
		// The chat parameter set is closed; unknown fields are rejected.
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "parameter_invalid", err.Error())
			return
		}
		if req.Model == "" {
			writeError(w, http.StatusBadRequest, "parameter_invalid", "model is required")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "parameter_invalid", "at least one message is required")
			return
		}

		principal := principalFrom(r)

		if req.Stream {
			ch, err := gw.ChatStream(r.Context(), principal, &req)
			if err != nil {
				writeRequestError(w, gateway.AsRequestError(err))
				return
			}
			writeSSE(w, ch)
			return
		}

		resp, err := gw.Chat(r.Context(), principal, &req)
		if err != nil {
			writeRequestError(w, gateway.AsRequestError(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// imagesHandler serves /v1/images/generations.
func imagesHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Image requests accept provider-specific passthrough fields, so
		// unknown fields are collected rather than rejected.
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "parameter_invalid", err.Error())
			return
		}
		known, _ := json.Marshal(raw)
		var req gateway.ImageRequest
		if err := json.Unmarshal(known, &req); err != nil {
			writeError(w, http.StatusBadRequest, "parameter_invalid", err.Error())
			return
		}
		for _, field := range []string{"prompt", "model", "size", "n", "quality", "style", "response_format", "provider"} {
			delete(raw, field)
		}
		req.Extra = raw

		resp, err := gw.GenerateImage(r.Context(), principalFrom(r), &req)
		if err != nil {
			writeRequestError(w, gateway.AsRequestError(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// modelSummary is the /v1/models response item: canonical id with a
// provider summary, pricing, and context length.
type modelSummary struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description,omitempty"`
	ContextLength int      `json:"context_length,omitempty"`
	Modalities    []string `json:"modalities,omitempty"`
	Providers     []struct {
		Name            string   `json:"name"`
		Priority        int      `json:"priority"`
		CostPer1KInput  *float64 `json:"cost_per_1k_input,omitempty"`
		CostPer1KOutput *float64 `json:"cost_per_1k_output,omitempty"`
	} `json:"providers"`
}

// modelsHandler serves the canonical catalog, with optional ?q= search.
func modelsHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}

		models := gw.Registry().List()
		if q := r.URL.Query().Get("q"); q != "" {
			if limit <= 0 {
				limit = 50
			}
			models = gw.Registry().Search(q, limit)
		} else if limit > 0 && len(models) > limit {
			models = models[:limit]
		}

		data := make([]modelSummary, 0, len(models))
		for _, m := range models {
			s := modelSummary{
				ID:            m.ID,
				Object:        "model",
				DisplayName:   m.DisplayName,
				Description:   m.Description,
				ContextLength: m.ContextLength,
				Modalities:    m.Modalities,
			}
			for _, p := range m.EnabledProviders() {
				s.Providers = append(s.Providers, struct {
					Name            string   `json:"name"`
					Priority        int      `json:"priority"`
					CostPer1KInput  *float64 `json:"cost_per_1k_input,omitempty"`
					CostPer1KOutput *float64 `json:"cost_per_1k_output,omitempty"`
				}{p.Name, p.Priority, p.CostPer1KInput, p.CostPer1KOutput})
			}
			data = append(data, s)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

// usageHandler returns the caller's balance, window usage, and trial state.
func usageHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r)

		ent, err := gw.Entitlements().Resolve(r.Context(), principal.User.ID)
		if err != nil {
			writeRequestError(w, gateway.AsRequestError(err))
			return
		}
		windows, err := gw.Limiter().Status(r.Context(), principal.Key.ID)
		if err != nil {
			writeRequestError(w, gateway.AsRequestError(err))
			return
		}

		body := map[string]interface{}{
			"credits":     pricing.Display(principal.User.CreditsMicro),
			"entitlement": ent,
			"windows":     windows,
			"api_key":     principal.Key.SecretPrefix(),
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// plansHandler lists active plans.
func plansHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := gw.Store().ListPlans(r.Context())
		if err != nil {
			writeRequestError(w, gateway.AsRequestError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
	}
}

// healthHandler reports liveness and dependency status.
func healthHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		deps := map[string]string{}
		if err := gw.Store().Ping(r.Context()); err != nil {
			status = "degraded"
			deps["store"] = err.Error()
		} else {
			deps["store"] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":       status,
			"dependencies": deps,
			"providers":    gw.ProviderNames(),
			"models":       len(gw.Registry().List()),
		})
	}
}

// refreshHandler triggers a registry re-ingestion.
func refreshHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := gw.RefreshRegistry(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"refreshed": true,
			"models":    len(gw.Registry().List()),
		})
	}
}

// ── response writers ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": detail},
	})
}

func writeRequestError(w http.ResponseWriter, re *gateway.RequestError) {
	for k, v := range re.Headers {
		w.Header().Set(k, v)
	}
	writeError(w, re.Status, re.Code, re.Detail)
}

// writeSSE streams chunks to the client as server-sent events, terminated
// by [DONE].
func writeSSE(w http.ResponseWriter, ch <-chan providers.StreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	now := time.Now().Unix()
	for chunk := range ch {
		if chunk.Error != nil {
			errData, _ := json.Marshal(map[string]interface{}{
				"error": map[string]string{"message": chunk.Error.Error(), "type": "stream_error"},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", errData)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if chunk.Created == 0 {
			chunk.Created = now
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", providers.SSEDone)
	if flusher != nil {
		flusher.Flush()
	}
}
