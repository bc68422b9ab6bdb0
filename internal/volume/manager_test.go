package volume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/config"
)

type fakeRunner struct {
	commands []string
	failOn   string
}

func (r *fakeRunner) Run(_ context.Context, command string) error {
	r.commands = append(r.commands, command)
	if r.failOn != "" && command == r.failOn {
		return barerr.New(barerr.KindVolumeLoadFail, "forced failure")
	}
	return nil
}

func newTestManager(t *testing.T, cfg config.VolumeConfig, callback ChangeCallback, prompter Prompter) (*Manager, *fakeRunner) {
	t.Helper()
	m := New(cfg, "/dev/sr0", nil, callback, prompter)
	fr := &fakeRunner{}
	m.runner = fr
	return m, fr
}

func init() {
	// Replace the package-level sleep with a no-op for the whole test binary
	// so settling delays never slow the suite down.
	sleep = func(_ time.Duration) {}
}

func TestManagerFillRunsPipelineInOrderAndAdvancesVolume(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	cfg.ImagePreProcessCommand = "pre"
	cfg.ImageCommand = "mkisofs %image"
	cfg.ImagePostProcessCommand = "post"
	cfg.LoadVolumeCommand = "load %number"
	cfg.WriteImageCommand = "growisofs %image"

	calledBack := false
	callback := func(_ context.Context, requested int) (ChangeResult, error) {
		calledBack = true
		require.Equal(t, 1, requested)
		return ChangeOK, nil
	}

	m, fr := newTestManager(t, cfg, callback, nil)
	stagingDir := t.TempDir()

	require.NoError(t, m.Fill(context.Background(), stagingDir, nil))
	require.True(t, calledBack)
	require.Equal(t, 1, m.VolumeNumber())
	require.Contains(t, fr.commands, "pre")
	require.Contains(t, fr.commands, "post")
	require.Contains(t, fr.commands, "load 1")
}

func TestManagerChangeChannelPriorityCallbackFirst(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	cfg.RequestVolumeCommand = "should-not-run"

	callback := func(_ context.Context, _ int) (ChangeResult, error) { return ChangeOK, nil }
	m, fr := newTestManager(t, cfg, callback, nil)

	result, err := m.changeChannel(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ChangeOK, result)
	require.Empty(t, fr.commands)
}

func TestManagerChangeChannelFallsBackToExternalCommand(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	cfg.RequestVolumeCommand = "eject %device"

	m, fr := newTestManager(t, cfg, nil, nil)
	result, err := m.changeChannel(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, ChangeOK, result)
	require.Equal(t, []string{"eject /dev/sr0"}, fr.commands)
}

type fakePrompter struct {
	result ChangeResult
}

func (p fakePrompter) PromptForMedium(_ context.Context, _ int) (ChangeResult, error) {
	return p.result, nil
}

func TestManagerChangeChannelFallsBackToPrompter(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	m, _ := newTestManager(t, cfg, nil, fakePrompter{result: ChangeAborted})

	result, err := m.changeChannel(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ChangeAborted, result)
}

func TestManagerChangeChannelAbortsWithNoChannelConfigured(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	m, _ := newTestManager(t, cfg, nil, nil)

	result, err := m.changeChannel(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ChangeAborted, result)
}

func TestManagerRequestMediumPropagatesAbort(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	callback := func(_ context.Context, _ int) (ChangeResult, error) { return ChangeAborted, nil }
	m, _ := newTestManager(t, cfg, callback, nil)

	err := m.requestMedium(context.Background())
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindAborted))
}

func TestManagerShouldFillHonorsVolumeSize(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	cfg.VolumeSize = 100
	m, _ := newTestManager(t, cfg, nil, nil)

	m.RecordPart(50)
	require.False(t, m.ShouldFill())
	m.RecordPart(60)
	require.True(t, m.ShouldFill())
}

func TestManagerShouldFillNeverFiresWithZeroVolumeSize(t *testing.T) {
	cfg := config.DefaultVolumeConfig()
	m, _ := newTestManager(t, cfg, nil, nil)
	m.RecordPart(1 << 40)
	require.False(t, m.ShouldFill())
}
