package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestContextLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx, _ := CycleContext(context.Background(), base, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC))
	log := AssetContext(FromContext(ctx), "KRW-BTC", "NONE")
	log.Info().Msg("advanced")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "KRW-BTC", line["market"])
	assert.Equal(t, "NONE", line["status"])
	assert.Len(t, line["cycle_id"], 8)
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(zerolog.New(&buf))

	l := FromContext(context.Background())
	l.Info().Msg("fallback")
	assert.Contains(t, buf.String(), "fallback")
}
