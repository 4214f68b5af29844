package health

import (
	"fmt"
	"net/http"

	"github.com/kebairia/safedeploy/internal/config"
	"github.com/kebairia/safedeploy/internal/executor"
)

// ProbesFromConfig builds the probe battery described by cfg. Command probes
// run in dir through exec.
func ProbesFromConfig(cfg config.HealthConfig, dir string, exec executor.Executor, client *http.Client) []Probe {
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	probes := make([]Probe, 0, len(cfg.HTTP)+len(cfg.TCP)+len(cfg.Commands))
	for i, h := range cfg.HTTP {
		probes = append(probes, &HTTPProbe{
			ProbeName:      nameOr(h.Name, fmt.Sprintf("http-%d", i)),
			URL:            h.URL,
			ExpectedStatus: h.ExpectedStatus,
			IsQuick:        h.Quick,
			Client:         client,
		})
	}
	for i, t := range cfg.TCP {
		probes = append(probes, &TCPProbe{
			ProbeName: nameOr(t.Name, fmt.Sprintf("tcp-%d", i)),
			Address:   t.Address,
			IsQuick:   t.Quick,
		})
	}
	for i, c := range cfg.Commands {
		cmd, err := executor.FromArgv(c.Command, cfg.ProbeTimeout)
		if err != nil {
			continue // rejected by config validation
		}
		cmd.Dir = dir
		probes = append(probes, &CommandProbe{
			ProbeName: nameOr(c.Name, fmt.Sprintf("command-%d", i)),
			Command:   cmd,
			IsQuick:   c.Quick,
			Exec:      exec,
		})
	}
	return probes
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
