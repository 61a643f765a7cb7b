//go:build !linux

package sandbox

import (
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

type runGroup struct{}

func newRunGroup(string, string, zerolog.Logger) *runGroup { return &runGroup{} }

func (*runGroup) attach(int) {}

func (*runGroup) release() {}

func configureIsolation(cmd *exec.Cmd, _ bool, _ *runGroup) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func startIsolated(build func(namespaces bool) *exec.Cmd, _ bool, logger zerolog.Logger) (*exec.Cmd, error) {
	logger.Debug().Msg("process isolation limited to wall-clock kill on this platform")
	cmd := build(false)
	return cmd, cmd.Start()
}

func applyProcessLimits(int, RunRequest) error { return nil }

func describeTermination(*os.ProcessState) string { return "" }
