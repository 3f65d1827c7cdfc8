package nimi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessManagerNoServicesIsNoop(t *testing.T) {
	pm := NewProcessManager(nil, Settings{}, testLogger(), t.TempDir())
	err := pm.Run(context.Background())
	require.NoError(t, err)
}

func TestProcessManagerCleanExitNoRestart(t *testing.T) {
	services := map[string]Service{
		"svc": {Process: Process{Argv: []string{"/bin/true"}}},
	}
	settings := Settings{Restart: Restart{Mode: RestartNever, Time: MillisDuration(10 * time.Millisecond)}}

	pm := NewProcessManager(services, settings, testLogger(), t.TempDir())
	err := pm.Run(context.Background())
	require.NoError(t, err)
}

func TestProcessManagerStartupHookFailureAbortsRun(t *testing.T) {
	hook := "/bin/false"
	services := map[string]Service{
		"a": {Process: Process{Argv: []string{"/bin/sleep", "3600"}}},
		"b": {Process: Process{Argv: []string{"/bin/sleep", "3600"}}},
	}
	settings := Settings{
		Restart: Restart{Mode: RestartNever, Time: MillisDuration(10 * time.Millisecond)},
		Startup: Startup{RunOnStartup: &hook},
	}

	pm := NewProcessManager(services, settings, testLogger(), t.TempDir())
	err := pm.Run(context.Background())
	require.Error(t, err)
}

func TestProcessManagerCancellationDrainsAndSucceeds(t *testing.T) {
	services := map[string]Service{
		"sleeper": {Process: Process{Argv: []string{"/bin/sleep", "3600"}}},
	}
	settings := Settings{Restart: Restart{Mode: RestartAlways, Time: MillisDuration(200 * time.Millisecond)}}

	pm := NewProcessManager(services, settings, testLogger(), t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pm.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process manager did not terminate after cancellation")
	}
}

func TestProcessManagerConfigDirReusedAcrossServices(t *testing.T) {
	shared := map[string]ConfigData{
		"a": {Enable: true, Path: "a.txt", Source: "/etc/hostname"},
	}
	services := map[string]Service{
		"one": {ConfigData: shared, Process: Process{Argv: []string{"/bin/true"}}},
		"two": {ConfigData: shared, Process: Process{Argv: []string{"/bin/true"}}},
	}
	settings := Settings{Restart: Restart{Mode: RestartNever, Time: MillisDuration(10 * time.Millisecond)}}

	root := t.TempDir()
	pm := NewProcessManager(services, settings, testLogger(), root)
	require.NoError(t, pm.Run(context.Background()))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)

	configDirs := 0
	for _, e := range entries {
		if e.IsDir() {
			configDirs++
		}
	}
	require.Equal(t, 1, configDirs)
}

func TestProcessManagerLogsDirectoryNumbering(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	base := filepath.Join(cwd, "nimi-test-logs-"+t.Name())
	require.NoError(t, os.MkdirAll(filepath.Join(base, "logs-0"), 0o755))
	defer os.RemoveAll(base)

	services := map[string]Service{
		"svc": {Process: Process{Argv: []string{"/bin/true"}}},
	}
	settings := Settings{
		Restart: Restart{Mode: RestartNever, Time: MillisDuration(10 * time.Millisecond)},
		Logging: Logging{Enable: true, LogsDir: base},
	}

	pm := NewProcessManager(services, settings, testLogger(), t.TempDir())
	require.NoError(t, pm.Run(context.Background()))

	_, err = os.Stat(filepath.Join(base, "logs-1"))
	require.NoError(t, err)
}
