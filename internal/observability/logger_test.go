package observability

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerTagsGlobal(t *testing.T) {
	prev, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(level)
	})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	InitLogger("erlnode", "a@host")
	log.Info().Msg("up")
	require.Equal(t, `{"level":"info","app":"erlnode","node":"a@host","message":"up"}`+"\n", buf.String())
}
