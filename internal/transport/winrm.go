package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	"github.com/sethvargo/go-retry"

	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/failure"
)

// newWinRMClient builds a WS-Man client for a host.
// - No domain: Basic auth
// - Domain set: NTLM auth
// - UseHTTPS selects the 5986-style endpoint
func newWinRMClient(host string, cred *conncache.Credential, opts WinRMOptions) (*winrm.Client, error) {
	if cred == nil {
		// The WS-Man client cannot forward the ambient identity; another
		// transport may, so this is a protocol-scoped failure.
		return nil, failure.Newf(failure.CategoryTransient,
			"winrm transport to %s requires an explicit credential", host)
	}

	port := opts.Port
	if opts.UseHTTPS {
		port = opts.HTTPSPort
	}
	endpoint := winrm.NewEndpoint(
		host,
		port,
		opts.UseHTTPS,
		opts.InsecureSkipVerify,
		nil, // CA certificate
		nil, // client certificate
		nil, // client key
		opts.Timeout,
	)

	var client *winrm.Client
	var err error
	if cred.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		client, err = winrm.NewClientWithParameters(
			endpoint,
			fmt.Sprintf("%s\\%s", cred.Domain, cred.Username),
			cred.Password,
			params,
		)
	} else {
		client, err = winrm.NewClient(endpoint, cred.Username, cred.Password)
	}
	if err != nil {
		return nil, failure.Newf(failure.CategoryTransient,
			"failed to create winrm client for %s: %v", host, err)
	}
	return client, nil
}

// wrapPowerShell turns a script into a one-shot powershell.exe invocation.
func wrapPowerShell(script string) string {
	return fmt.Sprintf("powershell.exe -NoProfile -NonInteractive -Command \"%s\"",
		strings.ReplaceAll(script, "\"", "`\""))
}

// psQuote escapes a value for a single-quoted PowerShell string.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// connectionErrorMarkers are dial-level symptoms worth a short backoff
// before giving up on the protocol.
var connectionErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"no route to host",
	"unexpected eof",
}

func isConnectionError(err error) bool {
	lower := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// runOneShot executes a wrapped PowerShell command over WS-Man, retrying
// only connection-level errors with a capped fibonacci backoff.
func runOneShot(ctx context.Context, client *winrm.Client, psCmd string, retries uint64) (stdout, stderr string, exitCode int, err error) {
	backoff := retry.WithMaxRetries(retries, retry.NewFibonacci(250*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		so, se, code, runErr := client.RunWithContextWithString(ctx, psCmd, "")
		if runErr != nil {
			if isConnectionError(runErr) && ctx.Err() == nil {
				return retry.RetryableError(runErr)
			}
			return runErr
		}
		stdout, stderr, exitCode = so, se, code
		return nil
	})
	return stdout, stderr, exitCode, err
}

// parseJSONRows decodes ConvertTo-Json output, which is an array for many
// instances, a bare object for one, and empty for none.
func parseJSONRows(output string) (RowSet, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return RowSet{}, nil
	}
	var rows RowSet
	if err := json.Unmarshal([]byte(output), &rows); err != nil {
		var single Row
		if err := json.Unmarshal([]byte(output), &single); err != nil {
			return nil, fmt.Errorf("failed to parse result rows: %w", err)
		}
		rows = RowSet{single}
	}
	return rows, nil
}

// CimRM fetches CIM instances over WS-Man: a one-shot Get-CimInstance
// pipeline serialized as compact JSON.
type CimRM struct {
	opts   WinRMOptions
	logger *slog.Logger
}

// NewCimRM creates the CIM-over-WinRM adapter.
func NewCimRM(opts WinRMOptions, logger *slog.Logger) *CimRM {
	return &CimRM{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "transport."+string(conncache.ProtocolCimRM)),
	}
}

// Protocol implements Adapter.
func (a *CimRM) Protocol() conncache.Protocol {
	return conncache.ProtocolCimRM
}

// FetchClass implements Adapter.
func (a *CimRM) FetchClass(ctx context.Context, host string, cred *conncache.Credential, className, namespace string) (RowSet, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	script := fmt.Sprintf(
		`Get-CimInstance -ClassName '%s' -Namespace '%s' -ErrorAction Stop | Select-Object -Property * -ExcludeProperty CimClass,CimInstanceProperties,CimSystemProperties | ConvertTo-Json -Compress -Depth 4`,
		psQuote(className), psQuote(namespace),
	)
	return a.run(ctx, host, cred, script)
}

// RunQuery implements Adapter.
func (a *CimRM) RunQuery(ctx context.Context, host string, cred *conncache.Credential, query string, dialect Dialect, namespace string) (RowSet, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if dialect == "" {
		dialect = DialectWQL
	}
	script := fmt.Sprintf(
		`Get-CimInstance -Query '%s' -QueryDialect '%s' -Namespace '%s' -ErrorAction Stop | Select-Object -Property * -ExcludeProperty CimClass,CimInstanceProperties,CimSystemProperties | ConvertTo-Json -Compress -Depth 4`,
		psQuote(query), psQuote(string(dialect)), psQuote(namespace),
	)
	return a.run(ctx, host, cred, script)
}

func (a *CimRM) run(ctx context.Context, host string, cred *conncache.Credential, script string) (RowSet, error) {
	client, err := newWinRMClient(host, cred, a.opts)
	if err != nil {
		return nil, err
	}

	stdout, stderr, exitCode, err := runOneShot(ctx, client, wrapPowerShell(script), a.opts.DialRetries)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(classifyTransportError(err, true),
			fmt.Errorf("winrm execution against %s failed: %w", host, err))
	}
	if exitCode != 0 {
		return nil, failure.Newf(classifyProviderText(stderr),
			"cim query on %s failed (exit code %d): %s", host, exitCode, condense(stderr))
	}

	rows, err := parseJSONRows(stdout)
	if err != nil {
		return nil, failure.Newf(failure.CategoryTransient, "cim query on %s: %v", host, err)
	}
	a.logger.DebugContext(ctx, "CIM fetch over WS-Man completed",
		slog.String("host", host),
		slog.Int("rows", len(rows)),
	)
	return rows, nil
}

// contextError returns the cancellation error to propagate unclassified, or
// nil when err is not a context failure. Cancelled attempts must be recorded
// as neither success nor failure, so they bypass classification.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}

// condense collapses a multi-line diagnostic into one log-friendly line.
func condense(s string) string {
	fields := strings.Fields(s)
	const max = 40
	if len(fields) > max {
		fields = fields[:max]
	}
	return strings.Join(fields, " ")
}
