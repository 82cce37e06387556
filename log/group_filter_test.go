package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupFilterPassesAllowedGroups(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	logger := slog.New(NewGroupFilterHandler(base, []string{"stream"}))

	logger.WithGroup("stream").Info("kept")
	logger.WithGroup("backfill").Info("dropped")
	logger.Info("ungrouped dropped")

	out := buf.String()
	require.Contains(t, out, "kept")
	require.NotContains(t, out, "dropped")
}

func TestGroupFilterNestedGroups(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	logger := slog.New(NewGroupFilterHandler(base, []string{"stream"}))

	logger.WithGroup("stream").WithGroup("frames").Info("nested kept")
	require.Contains(t, buf.String(), "nested kept")
}

func TestGroupFilterNoGroupsIsPassthrough(t *testing.T) {
	base := slog.NewTextHandler(&bytes.Buffer{}, nil)
	require.Equal(t, base, NewGroupFilterHandler(base, nil))
	require.Equal(t, base, NewGroupFilterHandler(base, []string{"  ", ""}))
}

func TestGroupFilterIsCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	logger := slog.New(NewGroupFilterHandler(base, []string{" Stream "}))

	logger.WithGroup("STREAM").Info("kept")
	require.True(t, strings.Contains(buf.String(), "kept"))
}
