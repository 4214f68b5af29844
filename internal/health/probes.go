package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/kebairia/safedeploy/internal/executor"
)

// Probe is one readiness check.
type Probe interface {
	Name() string
	// Quick probes form the reduced battery used after a rollback.
	Quick() bool
	Check(ctx context.Context) error
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProbe passes when a GET of URL answers with ExpectedStatus (200 if unset).
type HTTPProbe struct {
	ProbeName      string
	URL            string
	ExpectedStatus int
	IsQuick        bool
	Client         HTTPDoer
}

func (p *HTTPProbe) Name() string { return p.ProbeName }
func (p *HTTPProbe) Quick() bool  { return p.IsQuick }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	want := p.ExpectedStatus
	if want == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		return fmt.Errorf("HTTP %d (expected %d)", resp.StatusCode, want)
	}
	return nil
}

// TCPProbe passes when Address accepts a TCP connection. It is used for the
// data store, which has no HTTP endpoint.
type TCPProbe struct {
	ProbeName string
	Address   string
	IsQuick   bool
}

func (p *TCPProbe) Name() string { return p.ProbeName }
func (p *TCPProbe) Quick() bool  { return p.IsQuick }

func (p *TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("TCP connection failed: %w", err)
	}
	return conn.Close()
}

// CommandProbe passes when Command exits 0. The container runtime's
// service listing is checked this way.
type CommandProbe struct {
	ProbeName string
	Command   executor.Command
	IsQuick   bool
	Exec      executor.Executor
}

func (p *CommandProbe) Name() string { return p.ProbeName }
func (p *CommandProbe) Quick() bool  { return p.IsQuick }

func (p *CommandProbe) Check(ctx context.Context) error {
	res := p.Exec.Run(ctx, p.Command)
	if res.OK() {
		return nil
	}
	if res.Stderr != "" {
		return fmt.Errorf("%w: %s", res.Err, res.Stderr)
	}
	return res.Err
}
