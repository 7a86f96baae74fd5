package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/failure"
)

// PSRemoting runs management queries inside a persistent remote shell. It is
// the heaviest transport and the most likely to tunnel through restrictive
// networks, which is why it sits last in the trial order.
//
// Failures at the remoting layer itself (endpoint, shell creation, stream
// transport) are always classified transient: the layer cannot reliably
// distinguish a bad credential from an unreachable host or a policy block,
// and a few wasted attempts are cheaper than burning a good credential into
// the bad set. Provider errors reported from inside the shell still classify
// normally.
type PSRemoting struct {
	opts   WinRMOptions
	logger *slog.Logger
}

// NewPSRemoting creates the remote-shell adapter.
func NewPSRemoting(opts WinRMOptions, logger *slog.Logger) *PSRemoting {
	return &PSRemoting{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "transport."+string(conncache.ProtocolPSRemoting)),
	}
}

// Protocol implements Adapter.
func (a *PSRemoting) Protocol() conncache.Protocol {
	return conncache.ProtocolPSRemoting
}

// FetchClass implements Adapter.
func (a *PSRemoting) FetchClass(ctx context.Context, host string, cred *conncache.Credential, className, namespace string) (RowSet, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	script := fmt.Sprintf(
		`Get-WmiObject -Class '%s' -Namespace '%s' -ErrorAction Stop | Select-Object -Property * -ExcludeProperty __* | ConvertTo-Json -Compress -Depth 4`,
		psQuote(className), psQuote(namespace),
	)
	return a.run(ctx, host, cred, script)
}

// RunQuery implements Adapter.
func (a *PSRemoting) RunQuery(ctx context.Context, host string, cred *conncache.Credential, query string, dialect Dialect, namespace string) (RowSet, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if dialect != "" && dialect != DialectWQL {
		return nil, failure.Newf(failure.CategoryInvalidTarget,
			"remote shell transport only understands %s queries, got %s", DialectWQL, dialect)
	}
	script := fmt.Sprintf(
		`Get-WmiObject -Query '%s' -Namespace '%s' -ErrorAction Stop | Select-Object -Property * -ExcludeProperty __* | ConvertTo-Json -Compress -Depth 4`,
		psQuote(query), psQuote(namespace),
	)
	return a.run(ctx, host, cred, script)
}

func (a *PSRemoting) run(ctx context.Context, host string, cred *conncache.Credential, script string) (RowSet, error) {
	client, err := newWinRMClient(host, cred, a.opts)
	if err != nil {
		return nil, err
	}

	shell, err := client.CreateShell()
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		// Conservative: never auth, see the type comment.
		return nil, failure.New(failure.CategoryTransient,
			fmt.Errorf("remote shell creation on %s failed: %w", host, err))
	}
	defer shell.Close()

	cmd, err := shell.ExecuteWithContext(ctx, wrapPowerShell(script))
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(failure.CategoryTransient,
			fmt.Errorf("remote shell execution on %s failed: %w", host, err))
	}
	defer cmd.Close()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, cmd.Stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, cmd.Stderr)
	}()
	cmd.Wait()
	wg.Wait()

	if ctxErr := contextError(ctx, ctx.Err()); ctxErr != nil {
		return nil, ctxErr
	}
	if code := cmd.ExitCode(); code != 0 {
		// Inside the shell the provider speaks for itself.
		return nil, failure.Newf(classifyProviderText(stderr.String()),
			"wmi query on %s failed (exit code %d): %s", host, code, condense(stderr.String()))
	}

	rows, err := parseJSONRows(stdout.String())
	if err != nil {
		return nil, failure.Newf(failure.CategoryTransient, "wmi query on %s: %v", host, err)
	}
	a.logger.DebugContext(ctx, "WMI fetch over remote shell completed",
		slog.String("host", host),
		slog.Int("rows", len(rows)),
	)
	return rows, nil
}
