package app

import (
	"errors"
	"testing"

	"github.com/cozy-creator/caption-server/internal/config"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment: "test",
		CacheDir:    t.TempDir(),
	}
}

func TestNewAppWithCaptioner(t *testing.T) {
	a, err := NewApp(testConfig(t), WithLogger(zaptest.NewLogger(t)), WithCaptioner())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Captioner())
	assert.Equal(t, config.ModelID, a.ModelRef().ID)
	assert.Equal(t, types.ModelStateNotFound, a.ModelState())
}

func TestCloseCancelsContext(t *testing.T) {
	a, err := NewApp(testConfig(t), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	a.Close()
	assert.Error(t, a.Context().Err())
}

func TestOptionErrorFailsApp(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewApp(testConfig(t), func(*App) error { return boom })
	assert.ErrorIs(t, err, boom)
}
