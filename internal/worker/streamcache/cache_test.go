package streamcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seawork/trawler/internal/shared/errdefs"
)

func TestCache_OneClientPerHost(t *testing.T) {
	c := New()

	a := c.Client("zone1:8080")
	b := c.Client("zone2:8080")
	require.NotSame(t, a, b)
	require.Same(t, a, c.Client("zone1:8080"))
	require.Equal(t, 2, c.Len())
}

func TestCache_ConcurrentAccessSingleClient(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	clients := make([]*http.Client, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = c.Client("zone1:8080")
		}(i)
	}
	wg.Wait()

	for _, client := range clients[1:] {
		require.Same(t, clients[0], client)
	}
	require.Equal(t, 1, c.Len())
}

func TestCache_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/objects/a":
			w.Write([]byte("payload"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := New()
	rc, err := c.Fetch(context.Background(), host, "/objects/a")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	_, err = c.Fetch(context.Background(), host, "/objects/missing")
	require.True(t, errdefs.IsNotFound(err))
}
