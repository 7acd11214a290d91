package main

import (
	"errors"
	"testing"

	"github.com/fmueller/voxmeet/internal/cli"
	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"voxmeet\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.True(t, shouldPrintUsageHint(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, shouldPrintUsageHint(errors.New("download model \"small\": context deadline exceeded")))
	require.False(t, shouldPrintUsageHint(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxmeet", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxmeet", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxmeet transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxmeet transcribe", helpHintTarget(root, []string{"transcribe", "--copy"}))
}

func TestHelpHintTargetForMeetingCommands(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxmeet export", helpHintTarget(root, []string{"export"}))
	require.Equal(t, "voxmeet notes", helpHintTarget(root, []string{"notes", "--template", "standup"}))
	require.Equal(t, "voxmeet ask", helpHintTarget(root, []string{"ask", "abc123"}))
	require.Equal(t, "voxmeet restore", helpHintTarget(root, []string{"restore"}))
	require.Equal(t, "voxmeet", helpHintTarget(nil, nil))
}
