package delivery_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/superludanman/behaviortrack/delivery"
)

// Not parallel: exercises the app-scoped override, which is package
// global state.
func TestManager_AppScopedOverride(t *testing.T) {
	delivery.SetDefaultURL("http://override/log")
	defer delivery.SetDefaultURL("")

	m, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil)),
		delivery.WithAPIBase("http://base"),
		delivery.WithMetaURL(func() string { return "http://meta/log" }),
	)
	require.NoError(t, err)
	defer m.Close()

	// The override beats the meta declaration and the default path,
	// but not a per-instance URL.
	require.Equal(t, "http://override/log", m.Endpoint())

	pinned, err := delivery.New(
		delivery.WithLogger(slogtest.Make(t, nil)),
		delivery.WithURL("http://explicit/log"),
	)
	require.NoError(t, err)
	defer pinned.Close()
	require.Equal(t, "http://explicit/log", pinned.Endpoint())
}
