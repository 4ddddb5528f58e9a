// Command source runs a lightweight HTTP mock of an OpenAI-compatible
// upstream. It is used for end-to-end and load testing of the gateway
// without real provider credentials: register it as a source with any
// API key and point its base URL at http://localhost:19001/v1.
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 19001)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in the generated completion (default 10)
//
// Streaming requests honour stream_options.include_usage: when set, the
// stream ends with a usage chunk before [DONE], matching what the gateway
// relies on for billing.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() config {
	c := config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "completion", "from", "the",
	"test", "source", "simulating", "an", "upstream", "LLM", "API", "call",
	"for", "development", "and", "load", "testing",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

var servedModels = []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet", "deepseek-chat"}

func newHandler(cfg config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if cfg.LatencyMS > 0 {
			time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		// Rough prompt accounting so bills vary with input size.
		promptTokens := 0
		for _, m := range req.Messages {
			promptTokens += len(strings.Fields(m.Content))
		}
		if promptTokens == 0 {
			promptTokens = 10
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		usage := map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      promptTokens + cfg.StreamWords,
		}

		log.Info("completion",
			slog.String("model", model),
			slog.Bool("stream", req.Stream),
			slog.Int("prompt_tokens", promptTokens),
		)

		if req.Stream {
			serveStream(w, id, model, content, usage, req.StreamOptions.IncludeUsage)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": usage,
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(servedModels))
		for _, m := range servedModels {
			data = append(data, map[string]any{
				"id":       m,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "mock",
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	return mux
}

// serveStream writes an SSE stream of chat completion chunks. The final
// usage chunk is emitted only when the request asked for it.
func serveStream(w http.ResponseWriter, id, model, content string, usage map[string]int, includeUsage bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	words := strings.Fields(content)
	for i, word := range words {
		var finish any
		if i == len(words)-1 {
			finish = "stop"
		}
		emit(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         map[string]string{"content": word + " "},
					"finish_reason": finish,
				},
			},
		})
	}

	if includeUsage {
		emit(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []any{},
			"usage":   usage,
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    typ,
		},
	})
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock source listening",
			slog.String("addr", srv.Addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock source")
	_ = srv.Close()
}
