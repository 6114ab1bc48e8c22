package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/genflow/pkg/provider"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/operations":
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &gotBody)
			_, _ = w.Write([]byte(`{"id":"op-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/operations/op-1":
			_, _ = w.Write([]byte(`{"status":"succeeded","output":{"url":"u"},"durationMetric":1.5}`))
		case r.URL.Path == "/operations/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	p := NewHTTPProvider("image", srv.URL+"/", "secret", time.Second)

	t.Run("Dispatch", func(t *testing.T) {
		id, err := p.Dispatch(ctx, provider.Params{"prompt": "a cat"})
		require.NoError(t, err)
		assert.Equal(t, "op-1", id)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "a cat", gotBody["prompt"])
	})

	t.Run("PollStatus", func(t *testing.T) {
		res, err := p.PollStatus(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, provider.SucceededStatus, res.Status)
		assert.Equal(t, "u", res.Output["url"])
		assert.Equal(t, 1.5, res.DurationMetric)
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		_, err := p.PollStatus(ctx, "broken")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.Contains(t, err.Error(), "upstream down")
	})

	t.Run("MissingFields", func(t *testing.T) {
		_, err := p.PollStatus(ctx, "other")
		assert.Error(t, err)
	})

	t.Run("NotConfigured", func(t *testing.T) {
		_, err := NewHTTPProvider("video", "", "", 0).Dispatch(ctx, nil)
		assert.True(t, errors.Is(err, ErrNotConfigured))
	})
}
