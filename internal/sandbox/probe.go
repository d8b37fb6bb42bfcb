package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/logging"
)

// Probe asks the container runtime's CLI whether it is installed and whether
// its daemon answers. It never returns an error: every failure reads as false.
type Probe struct {
	dockerBin string
	timeout   time.Duration
	log       *logrus.Entry
}

type Report struct {
	Installed     bool   `json:"installed"`
	DaemonReady   bool   `json:"daemonReady"`
	ClientVersion string `json:"clientVersion,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

func NewProbe(dockerBin string, timeout time.Duration, log *logrus.Entry) *Probe {
	if strings.TrimSpace(dockerBin) == "" {
		dockerBin = "docker"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Probe{dockerBin: dockerBin, timeout: timeout, log: logging.Component(log, "runtime")}
}

func (p *Probe) Installed(ctx context.Context) bool {
	ok, _ := p.run(ctx, "--version")
	return ok
}

func (p *Probe) DaemonReady(ctx context.Context) bool {
	ok, _ := p.run(ctx, "info", "--format", "{{.ServerVersion}}")
	return ok
}

// Check runs both queries. The daemon is only asked when the client exists.
func (p *Probe) Check(ctx context.Context) Report {
	var report Report
	report.Installed, report.ClientVersion = p.run(ctx, "--version")
	if !report.Installed {
		report.ClientVersion = ""
		return report
	}
	report.DaemonReady, report.ServerVersion = p.run(ctx, "info", "--format", "{{.ServerVersion}}")
	if !report.DaemonReady {
		report.ServerVersion = ""
	}
	return report
}

func (p *Probe) run(ctx context.Context, args ...string) (bool, string) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(probeCtx, p.dockerBin, args...).CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"args":   strings.Join(args, " "),
			"output": out,
		}).WithError(err).Debug("runtime probe failed")
		return false, out
	}
	return true, out
}
