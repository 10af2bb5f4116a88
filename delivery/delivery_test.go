package delivery_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"

	"github.com/superludanman/behaviortrack/delivery"
	"github.com/superludanman/behaviortrack/event"
	"github.com/superludanman/behaviortrack/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

type fakeBeacon struct {
	accept bool
	urls   []string
	bodies [][]byte
}

func (b *fakeBeacon) SendBeacon(url string, body []byte) bool {
	if !b.accept {
		return false
	}
	b.urls = append(b.urls, url)
	b.bodies = append(b.bodies, body)
	return true
}

func testEnvelope() *event.Envelope {
	return &event.Envelope{
		ParticipantID: "p-1",
		Type:          event.TypeCodeEdit,
		Data:          event.CodeEdit{EditorName: "js", NewLength: 10},
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestManager_PostsJSONWithoutCredentials(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil).Leveled(slog.LevelDebug)),
		delivery.WithURL(srv.URL+"/behavior/log"),
	)
	require.NoError(t, err)
	defer m.Close()

	m.Send(testEnvelope())

	req := testutil.RequireReceive(ctx, t, received)
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.NotEmpty(t, req.Header.Get("X-Client-Version"))
	require.Empty(t, req.Header.Get("Authorization"))
	require.Empty(t, req.Cookies())

	var env event.Envelope
	require.NoError(t, json.Unmarshal(testutil.RequireReceive(ctx, t, bodies), &env))
	require.Equal(t, "p-1", env.ParticipantID)
	require.Equal(t, event.TypeCodeEdit, env.Type)
}

func TestManager_BeaconPreferred(t *testing.T) {
	t.Parallel()

	beacon := &fakeBeacon{accept: true}
	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil)),
		delivery.WithURL("http://sink.invalid/behavior/log"),
		delivery.WithBeacon(beacon),
	)
	require.NoError(t, err)
	defer m.Close()

	m.Send(testEnvelope())

	// Beacon acceptance means no HTTP request is ever issued, so the
	// invalid sink URL above would otherwise surface as a logged error.
	require.Len(t, beacon.urls, 1)
	require.Equal(t, "http://sink.invalid/behavior/log", beacon.urls[0])

	var env event.Envelope
	require.NoError(t, json.Unmarshal(beacon.bodies[0], &env))
	require.Equal(t, event.TypeCodeEdit, env.Type)
}

func TestManager_BeaconRefusalFallsBackToPOST(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil)),
		delivery.WithURL(srv.URL),
		delivery.WithBeacon(&fakeBeacon{accept: false}),
	)
	require.NoError(t, err)
	defer m.Close()

	m.Send(testEnvelope())
	testutil.RequireReceive(ctx, t, received)
}

func TestManager_TransportFailureNeverRaises(t *testing.T) {
	t.Parallel()

	// Logged at Debug, so IgnoreErrors is not even needed, but the
	// slogtest default would fail the test on an Error-level log.
	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})),
		delivery.WithURL("http://127.0.0.1:1/behavior/log"),
	)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		m.Send(testEnvelope())
		m.Close() // waits for the in-flight send to fail quietly
	})
}

func TestManager_EndpointPrecedence(t *testing.T) {
	t.Parallel()

	t.Run("ExplicitURLWins", func(t *testing.T) {
		t.Parallel()
		m, err := delivery.New(
			delivery.WithLogger(slogtest.Make(t, nil)),
			delivery.WithURL("http://explicit/log"),
			delivery.WithAPIBase("http://base"),
			delivery.WithMetaURL(func() string { return "http://meta/log" }),
		)
		require.NoError(t, err)
		defer m.Close()
		require.Equal(t, "http://explicit/log", m.Endpoint())
	})

	t.Run("MetaBeforeDefaultPath", func(t *testing.T) {
		t.Parallel()
		m, err := delivery.New(
			delivery.WithLogger(slogtest.Make(t, nil)),
			delivery.WithAPIBase("http://base"),
			delivery.WithMetaURL(func() string { return "http://meta/log" }),
		)
		require.NoError(t, err)
		defer m.Close()
		require.Equal(t, "http://meta/log", m.Endpoint())
	})

	t.Run("DefaultPathAgainstAPIBase", func(t *testing.T) {
		t.Parallel()
		m, err := delivery.New(
			delivery.WithLogger(slogtest.Make(t, nil)),
			delivery.WithAPIBase("http://base/"),
		)
		require.NoError(t, err)
		defer m.Close()
		require.Equal(t, "http://base/behavior/log", m.Endpoint())
	})

	t.Run("NothingConfiguredErrors", func(t *testing.T) {
		t.Parallel()
		_, err := delivery.New(delivery.WithLogger(slogtest.Make(t, nil)))
		require.Error(t, err)
	})
}

func TestManager_SendAfterCloseDrops(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil).Leveled(slog.LevelDebug)),
		delivery.WithURL(srv.URL),
	)
	require.NoError(t, err)

	m.Close()
	m.Send(testEnvelope())
	m.Close()
	require.Zero(t, calls)
}
