package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesAndMasks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("initialized", "asset", "XLM", "admin_token", "s3cret", "token", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "initialized", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "XLM", line["asset"])
	require.Equal(t, RedactedValue, line["admin_token"])
	require.Equal(t, "", line["token"], "empty values stay empty")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "escrowd.log")
	logger, closer := Setup("escrowd", "test", Options{File: path})
	logger.Info("hello")
	require.NoError(t, closer.Close())
	require.FileExists(t, path)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	log.SetOutput(os.Stderr)
}

func TestRedact(t *testing.T) {
	require.Equal(t, RedactedValue, Redact(slog.String("jwt_secret", "abc")).Value.String())
	require.Equal(t, RedactedValue, Redact(slog.Int("signature", 7)).Value.String())
	require.Equal(t, "boom", Redact(slog.String("error", "boom")).Value.String())
	require.True(t, IsSensitive("Admin_Token"))
	require.False(t, IsSensitive("token_count"))
}
