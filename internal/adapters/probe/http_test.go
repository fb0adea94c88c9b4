package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/sceneroom/internal/domain"
)

func TestCheckLiveClassifiesResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U"))
	})
	mux.HandleFunc("/forbidden.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/broken.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	p := NewHTTPProbe(time.Second)
	ctx := context.Background()

	live, err := p.CheckLive(ctx, srv.URL+"/live.m3u8")
	require.NoError(t, err)
	require.True(t, live)

	_, err = p.CheckLive(ctx, srv.URL+"/forbidden.m3u8")
	require.Equal(t, domain.ProbeForbidden, domain.ProbeKind(err))

	_, err = p.CheckLive(ctx, srv.URL+"/missing.m3u8")
	require.Equal(t, domain.ProbeNotFound, domain.ProbeKind(err))

	_, err = p.CheckLive(ctx, srv.URL+"/broken.m3u8")
	require.Equal(t, domain.ProbeTransport, domain.ProbeKind(err))
}

func TestCheckLiveTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	live, err := NewHTTPProbe(50*time.Millisecond).CheckLive(context.Background(), srv.URL)
	require.False(t, live)
	require.Equal(t, domain.ProbeTransport, domain.ProbeKind(err))
}
