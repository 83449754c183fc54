package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cozy-creator/caption-server/internal/app"
	"github.com/cozy-creator/caption-server/internal/config"
	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/services/captioning"
	"github.com/cozy-creator/caption-server/internal/tokenizer"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var words = map[int]string{1: "a", 2: "cat", 3: "."}

type wordVocab struct{}

func (wordVocab) Decode(ids []int) string {
	var parts []string
	for _, id := range ids {
		parts = append(parts, words[id])
	}
	return strings.ReplaceAll(strings.Join(parts, " "), " .", ".")
}

// scriptedHandle always captions "a cat." and then samples the separator.
type scriptedHandle struct{ step int }

func (h *scriptedHandle) EmbedImage(context.Context, *types.ImageTensor) (*types.ImageEmbedding, error) {
	return &types.ImageEmbedding{}, nil
}

func (h *scriptedHandle) NextLogits(context.Context, []int, *types.ImageEmbedding) ([]float32, error) {
	script := []int{1, 2, 3, types.SeparatorTokenID}
	id := script[min(h.step, len(script)-1)]
	h.step++

	logits := make([]float32, 128)
	for i := range logits {
		logits[i] = -1e30
	}
	logits[id] = 0
	return logits, nil
}

func (h *scriptedHandle) Close() error { return nil }

type fakeProvider struct{}

func (fakeProvider) Resolve(context.Context, model.Variant, types.ModelRef) (model.Handle, error) {
	return &scriptedHandle{}, nil
}

func (fakeProvider) Tokenizer(context.Context, types.ModelRef) (tokenizer.Vocabulary, error) {
	return wordVocab{}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Environment:   "test",
		BodyLimitMB:   1,
		WSReadLimitMB: 1,
		PingTimeout:   time.Second,
	}

	// Sessions outlive the handler that hijacked them, so they must not log
	// through the test once it has finished.
	logger := zap.NewNop()
	pipeline := captioning.NewPipeline(fakeProvider{}, model.FullPrecision, types.ModelRef{ID: "org/model"}, logger)

	a, err := app.NewApp(cfg, app.WithLogger(logger), app.WithPipeline(pipeline))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv, err := NewServer(cfg, logger)
	require.NoError(t, err)
	srv.SetupRoutes(a)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.NRGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for i, f := range files {
		part, err := w.CreateFormFile("file", "upload"+string(rune('a'+i))+".png")
		require.NoError(t, err)
		_, err = part.Write(f)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func post(t *testing.T, ts *httptest.Server, body io.Reader, contentType string) (int, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/caption", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(out)
}

func TestCaptionReturnsCreated(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartBody(t, pngBytes(t))
	status, text := post(t, ts, body, ct)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "a cat.", text)
}

func TestCaptionUsesFirstFieldOnly(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartBody(t, pngBytes(t), []byte("not an image"))
	status, text := post(t, ts, body, ct)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "a cat.", text)
}

func TestCaptionFailures(t *testing.T) {
	ts := newTestServer(t)

	garbage, ct := multipartBody(t, []byte("not an image"))
	status, _ := post(t, ts, garbage, ct)
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = post(t, ts, strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusInternalServerError, status)

	empty, ct := multipartBody(t)
	status, _ = post(t, ts, empty, ct)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(bodyLimit(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	for body, want := range map[string]int{
		"small":                 http.StatusOK,
		"definitely over eight": http.StatusRequestEntityTooLarge,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		assert.Equal(t, want, w.Code, body)
	}
}

func TestHealthAndForm(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), `action="/caption"`)
	assert.Contains(t, string(page), `name="file"`)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketStreamsCaption(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello")))

	for round := 0; round < 2; round++ {
		require.NoError(t, conn.Write(ctx, websocket.MessageBinary, pngBytes(t)))

		var fragments []string
		for {
			typ, data, err := conn.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, websocket.MessageText, typ)
			if string(data) == types.EndOfMessage {
				break
			}
			fragments = append(fragments, string(data))
		}

		assert.Equal(t, []string{"a", " cat", "."}, fragments, "round %d", round)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
}
