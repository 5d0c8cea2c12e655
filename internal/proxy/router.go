package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the relay routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: routes plus middleware chain.
// Pass nil for mgmt to skip the management endpoints.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.POST("/v1/images/generations", g.handleImages)
	r.POST("/v1/rerank", g.handleRerank)
	r.POST("/v1/audio/speech", g.handleAudioSpeech)
	r.POST("/v1/audio/transcriptions", g.handleAudioTranscriptions)
	r.POST("/v1/audio/translations", g.handleAudioTranslations)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams may run long
	}
	return srv.ListenAndServe(addr)
}

// handleModels lists every model served by at least one enabled channel, in
// the OpenAI GET /v1/models envelope.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, _, ok := g.authenticate(ctx); !ok {
		return
	}

	models := g.registry.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m,
			"object":   "model",
			"owned_by": "system",
		})
	}
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status": "ok",
		"models": len(g.registry.Models()),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
