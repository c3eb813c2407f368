package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

const (
	RuntimeCLI    = "cli"
	RuntimeDocker = "docker"

	DefaultTimeout = 600 * time.Second
)

// Runner scans images by running trivy, either from PATH or in a container.
type Runner struct {
	Path          string // trivy executable for RuntimeCLI
	DockerPath    string // docker executable for RuntimeDocker
	Runtime       string
	Image         string // trivy image for RuntimeDocker
	Severity      []string
	Timeout       time.Duration
	IgnoreUnfixed bool
	// NoCache keeps the vulnerability cache in memory for this run only.
	NoCache bool
	Log     logrus.FieldLogger
}

func NewRunner() *Runner {
	return &Runner{
		Path:       "trivy",
		DockerPath: "docker",
		Runtime:    RuntimeCLI,
		Image:      "aquasec/trivy:latest",
		Severity:   []string{"HIGH", "CRITICAL"},
		Timeout:    DefaultTimeout,
		Log:        logrus.WithField("component", "trivy"),
	}
}

// Scan runs trivy against img. A missing executable is a configuration error;
// any other failure yields an absent result.
func (r *Runner) Scan(ctx context.Context, img domain.ImageRef) (domain.Result, error) {
	name, args, err := r.command(img)
	if err != nil {
		return domain.Result{}, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	took := time.Since(start)
	log := r.logger().WithField("image", img)

	if ctx.Err() == context.DeadlineExceeded {
		log.WithField("timeout", timeout).Error("trivy timed out")
		return domain.AbsentResult(img, fmt.Sprintf("timed out after %s", timeout), took), nil
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			// ambil exit code dan stderr
			log.WithFields(logrus.Fields{
				"cmd":       strings.Join(cmd.Args, " "),
				"exit_code": ee.ExitCode(),
				"stderr":    strings.TrimSpace(stderr.String()),
			}).Error("Failed to execute trivy command")
			return domain.AbsentResult(img, fmt.Sprintf("exit status %d", ee.ExitCode()), took), nil
		}
		log.WithError(err).Error("trivy run error")
		return domain.AbsentResult(img, err.Error(), took), nil
	}

	targets, err := domain.ParseReport(stdout.Bytes())
	if err != nil {
		log.WithError(err).Error("could not decode trivy output")
		return domain.AbsentResult(img, err.Error(), took), nil
	}
	return domain.Result{
		Image:    img,
		Targets:  targets,
		Raw:      stdout.Bytes(),
		Duration: took,
	}, nil
}

// Args returns the trivy arguments for img, without the executable.
func (r *Runner) Args(img domain.ImageRef) []string {
	sev := r.Severity
	if len(sev) == 0 {
		sev = []string{"HIGH", "CRITICAL"}
	}
	args := []string{"image", "--severity", strings.Join(sev, ","), "--format", "json", "--quiet"}
	if r.IgnoreUnfixed {
		args = append(args, "--ignore-unfixed")
	}
	if r.NoCache {
		args = append(args, "--cache-backend", "memory")
	}
	return append(args, string(img))
}

func (r *Runner) command(img domain.ImageRef) (string, []string, error) {
	switch r.Runtime {
	case "", RuntimeCLI:
		path, err := lookPath(r.Path, "trivy")
		if err != nil {
			return "", nil, err
		}
		return path, r.Args(img), nil

	case RuntimeDocker:
		path, err := lookPath(r.DockerPath, "docker")
		if err != nil {
			return "", nil, err
		}
		image := r.Image
		if image == "" {
			image = "aquasec/trivy:latest"
		}
		args := []string{"run", "--rm",
			"-v", "/var/run/docker.sock:/var/run/docker.sock",
			image,
		}
		return path, append(args, r.Args(img)...), nil

	default:
		return "", nil, &domain.ConfigError{Field: "trivy.runtime", Err: fmt.Errorf("unsupported runtime %q", r.Runtime)}
	}
}

func lookPath(path, fallback string) (string, error) {
	if path == "" {
		path = fallback
	}
	found, err := exec.LookPath(path)
	if err != nil {
		return "", &domain.ConfigError{Field: path, Err: fmt.Errorf("%w: %v", domain.ErrToolNotFound, err)}
	}
	return found, nil
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
