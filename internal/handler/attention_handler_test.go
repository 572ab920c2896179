package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/attnscope/internal/gpt2"
	"github.com/xxxsen/attnscope/internal/metrics"
	"github.com/xxxsen/attnscope/internal/model"
	"github.com/xxxsen/attnscope/internal/service"
)

type wordEncoder struct{}

func (wordEncoder) Encode(text string) ([]int, error) {
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = (len(w) * 7) % 50
	}
	return ids, nil
}

func (wordEncoder) Token(id int) string {
	return fmt.Sprintf("w%d", id)
}

// brokenRuntime fails every forward pass after validation would succeed.
type brokenRuntime struct {
	*gpt2.Model
}

func (brokenRuntime) Forward(ctx context.Context, ids []int) ([]float32, error) {
	return nil, errors.New("matmul exploded")
}

type routerOptions struct {
	positions int
	maxTokens int
	loadErr   error
	broken    bool
}

func newTestRouter(t *testing.T, opts routerOptions) (*gin.Engine, *service.AttentionService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.positions == 0 {
		opts.positions = 256
	}
	m, err := gpt2.NewRandom(gpt2.Config{NLayer: 2, NHead: 2, NEmbd: 8, NPositions: opts.positions, VocabSize: 50}, 5)
	require.NoError(t, err)
	loader := func(ctx context.Context) (*service.Engine, error) {
		if opts.loadErr != nil {
			return nil, opts.loadErr
		}
		if opts.broken {
			return &service.Engine{Tokenizer: wordEncoder{}, Runtime: brokenRuntime{m}}, nil
		}
		return &service.Engine{Tokenizer: wordEncoder{}, Runtime: m}, nil
	}
	reg := prometheus.NewRegistry()
	svc := service.NewAttentionService(loader, service.Limits{MaxTokens: opts.maxTokens}, metrics.New(reg))
	r := gin.New()
	RegisterRoutes(&r.RouterGroup, RouterDeps{
		Page:      NewPageHandler(),
		Attention: NewAttentionHandler(svc),
		Health:    NewHealthHandler(svc),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return r, svc
}

func postAttention(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/attention", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestAttention_SinglePass(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{maxTokens: 10})
	w := postAttention(r, `{"text":"hello big world"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res model.AttentionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Tokens, 3)
	require.Len(t, res.Layers, 2)
	require.Nil(t, res.GenerationSteps)
	require.NotContains(t, w.Body.String(), "generation_steps")
	require.NotContains(t, w.Body.String(), `"step"`)
	for _, l := range res.Layers {
		require.Len(t, l.Heads, 2)
	}
}

func TestAttention_Generate(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{maxTokens: 10})
	w := postAttention(r, `{"text":"hello world","generate":2}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res model.AttentionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Tokens, 4)
	require.Len(t, res.GenerationSteps, 3)
	require.Len(t, res.Layers, 6)
	last := res.GenerationSteps[2]
	require.Equal(t, 3, last.TokenIndex)
	require.Equal(t, 5, last.LayerIndex)
}

func TestAttention_Rejections(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{maxTokens: 10})
	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"missing text", `{}`, "No text provided"},
		{"empty text", `{"text":""}`, "No text provided"},
		{"too long", `{"text":"` + strings.Repeat("a ", 11) + `"}`, "Text too long. Please limit to 10 tokens."},
		{"malformed", `{"text":`, "Invalid request body"},
		{"wrong type", `{"text":"hi","generate":"x"}`, "Invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postAttention(r, tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Equal(t, tc.msg, errorBody(t, w))
		})
	}
}

func TestAttention_ModelUnavailable(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{loadErr: errors.New("download failed")})
	w := postAttention(r, `{"text":"hello"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "model unavailable: download failed", errorBody(t, w))
}

func TestAttention_InferenceFailure(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{broken: true})
	w := postAttention(r, `{"text":"one two three"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, errorBody(t, w), "matmul exploded")
}

func TestAttention_TooLongWithDefaultLimits(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{})
	text := strings.TrimSpace(strings.Repeat("word ", 150))
	w := postAttention(r, `{"text":"`+text+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Text too long. Please limit to 100 tokens.", errorBody(t, w))
}

func TestAttention_ExceedsModelContext(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{positions: 6})
	w := postAttention(r, `{"text":"one two three four","generate":3}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, errorBody(t, w), "model context")

	w = postAttention(r, `{"text":"one two three four","generate":2}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_ReportsModelState(t *testing.T) {
	r, svc := newTestRouter(t, routerOptions{maxTokens: 10})
	get := func() map[string]interface{} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body
	}
	body := get()
	require.Equal(t, "ok", body["status"])
	require.Equal(t, false, body["model_loaded"])

	require.NoError(t, svc.Warmup(context.Background()))
	require.Equal(t, true, get()["model_loaded"])
}

func TestPage_ServesIndex(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{maxTokens: 10})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "/api/attention")
}

func TestMetrics_Exposed(t *testing.T) {
	r, _ := newTestRouter(t, routerOptions{maxTokens: 10})
	require.Equal(t, http.StatusOK, postAttention(r, `{"text":"hello"}`).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `attnscope_requests_total{mode="single",result="ok"} 1`)
}
