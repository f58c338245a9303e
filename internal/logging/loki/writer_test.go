package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// receiver is a fake Loki push endpoint.
type receiver struct {
	mu       sync.Mutex
	requests []pushRequest
	status   int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != pushPath || req.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body pushRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, body)
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.requests {
		for _, s := range req.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestFlushPushesLinesWithLabels(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	w := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"pool": "pool-a"}})
	_, err := w.Write([]byte(`{"level":"info","message":"one"}` + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("   \n"))
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"level":"info","message":"two"}`))
	require.NoError(t, err)

	w.Flush()

	require.Len(t, rcv.requests, 1)
	s := rcv.requests[0].Streams[0]
	assert.Equal(t, map[string]string{"job": "replicastore", "pool": "pool-a"}, s.Stream)
	assert.Equal(t, []string{`{"level":"info","message":"one"}`, `{"level":"info","message":"two"}`}, rcv.lines())
	assert.Zero(t, w.FlushErrors())

	w.Flush()
	assert.Len(t, rcv.requests, 1, "empty buffer is not pushed")
}

func TestFullBatchTriggersFlush(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	w := NewWriter(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte("a"))
	_, _ = w.Write([]byte("b"))

	assert.Eventually(t, func() bool {
		return len(rcv.lines()) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopFlushesRemainder(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	w := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	w.Start()
	_, _ = w.Write([]byte("last words"))
	w.Stop()

	assert.Equal(t, []string{"last words"}, rcv.lines())
}

func TestPushFailuresAreCounted(t *testing.T) {
	rcv := &receiver{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	w := NewWriter(Config{URL: srv.URL})
	_, _ = w.Write([]byte("x"))
	w.Flush()
	assert.Equal(t, uint64(1), w.FlushErrors())

	srv.Close()
	_, _ = w.Write([]byte("y"))
	w.Flush()
	assert.Equal(t, uint64(2), w.FlushErrors())
}
