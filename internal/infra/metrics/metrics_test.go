package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesFeedMetrics(t *testing.T) {
	reg := Init(zerolog.Nop())
	FeedMessagesTotal.WithLabelValues("snapshot").Inc()
	FeedErrorsTotal.WithLabelValues("malformed").Inc()

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	assert.Contains(t, body, `feed_messages_total{kind="snapshot"}`)
	assert.Contains(t, body, `feed_errors_total{kind="malformed"}`)
	assert.Contains(t, body, "go_goroutines")
}
