//go:build windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/failure"
)

// The DCOM-based transports drive the WbemScripting COM automation objects,
// which requires a Windows client host. Non-Windows builds get stubs that
// fail transient so the selector moves on.

const (
	comSFalse           = 0x00000001 // CoInitializeEx: already initialized
	comDispException    = 0x80020009 // DISP_E_EXCEPTION, real code is in EXCEPINFO text
	impersonationLevel  = 3          // wbemImpersonationLevelImpersonate
	authLevelPktPrivacy = 6          // RPC_C_AUTHN_LEVEL_PKT_PRIVACY
)

type comAdapter struct {
	protocol conncache.Protocol
	// hardenSecurity raises the DCOM authentication level to packet
	// privacy, the CIM-session behavior; the legacy path keeps defaults.
	hardenSecurity bool
	logger         *slog.Logger
}

// NewCimDCOM creates the CIM-over-DCOM adapter.
func NewCimDCOM(logger *slog.Logger) Adapter {
	return &comAdapter{
		protocol:       conncache.ProtocolCimDCOM,
		hardenSecurity: true,
		logger:         logger.With("component", "transport."+string(conncache.ProtocolCimDCOM)),
	}
}

// NewWmi creates the legacy WMI automation adapter.
func NewWmi(logger *slog.Logger) Adapter {
	return &comAdapter{
		protocol: conncache.ProtocolWmi,
		logger:   logger.With("component", "transport."+string(conncache.ProtocolWmi)),
	}
}

func (a *comAdapter) Protocol() conncache.Protocol {
	return a.protocol
}

func (a *comAdapter) FetchClass(ctx context.Context, host string, cred *conncache.Credential, className, namespace string) (RowSet, error) {
	return a.RunQuery(ctx, host, cred, "SELECT * FROM "+className, DialectWQL, namespace)
}

func (a *comAdapter) RunQuery(ctx context.Context, host string, cred *conncache.Credential, query string, dialect Dialect, namespace string) (RowSet, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if dialect != "" && dialect != DialectWQL {
		return nil, failure.Newf(failure.CategoryInvalidTarget,
			"com transport only understands %s queries, got %s", DialectWQL, dialect)
	}

	type comResult struct {
		rows RowSet
		err  error
	}
	done := make(chan comResult, 1)
	go func() {
		// COM calls stay on one OS thread for the apartment's lifetime.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		rows, err := a.execQuery(host, cred, query, namespace)
		done <- comResult{rows: rows, err: err}
	}()

	select {
	case <-ctx.Done():
		// Abandon the in-flight native call; the goroutine drains into the
		// buffered channel when it eventually returns.
		return nil, ctx.Err()
	case res := <-done:
		return res.rows, res.err
	}
}

func (a *comAdapter) execQuery(host string, cred *conncache.Credential, query, namespace string) (RowSet, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || (oleErr.Code() != ole.S_OK && oleErr.Code() != comSFalse) {
			return nil, failure.New(failure.CategoryTransient,
				fmt.Errorf("com initialization failed: %w", err))
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, failure.New(failure.CategoryTransient,
			fmt.Errorf("failed to create wbem locator: %w", err))
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, failure.New(failure.CategoryTransient,
			fmt.Errorf("wbem locator does not expose IDispatch: %w", err))
	}
	defer locator.Release()

	connectArgs := []interface{}{host, namespace}
	if cred != nil {
		username := cred.Username
		if cred.Domain != "" {
			username = cred.Domain + `\` + cred.Username
		}
		connectArgs = append(connectArgs, username, cred.Password)
	}
	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", connectArgs...)
	if err != nil {
		return nil, failure.New(a.classify(err, true),
			fmt.Errorf("dcom connect to %s\\%s failed: %w", host, namespace, err))
	}
	service := serviceRaw.ToIDispatch()
	defer serviceRaw.Clear()

	if a.hardenSecurity {
		if secRaw, err := oleutil.GetProperty(service, "Security_"); err == nil {
			sec := secRaw.ToIDispatch()
			_, _ = oleutil.PutProperty(sec, "ImpersonationLevel", impersonationLevel)
			_, _ = oleutil.PutProperty(sec, "AuthenticationLevel", authLevelPktPrivacy)
			secRaw.Clear()
		}
	}

	resultRaw, err := oleutil.CallMethod(service, "ExecQuery", query)
	if err != nil {
		return nil, failure.New(a.classify(err, false),
			fmt.Errorf("query on %s failed: %w", host, err))
	}
	result := resultRaw.ToIDispatch()
	defer resultRaw.Clear()

	countVar, err := oleutil.GetProperty(result, "Count")
	if err != nil {
		return nil, failure.New(a.classify(err, false),
			fmt.Errorf("failed to read result count from %s: %w", host, err))
	}
	count := int(countVar.Val)
	_ = countVar.Clear()

	rows := make(RowSet, 0, count)
	for i := 0; i < count; i++ {
		itemRaw, err := oleutil.CallMethod(result, "ItemIndex", i)
		if err != nil {
			return nil, failure.New(a.classify(err, false),
				fmt.Errorf("failed to read result row %d from %s: %w", i, host, err))
		}
		row, err := rowFromObject(itemRaw.ToIDispatch())
		itemRaw.Clear()
		if err != nil {
			return nil, failure.New(failure.CategoryTransient,
				fmt.Errorf("failed to decode result row %d from %s: %w", i, host, err))
		}
		rows = append(rows, row)
	}
	a.logger.Debug("COM query completed",
		slog.String("host", host),
		slog.String("protocol", string(a.protocol)),
		slog.Int("rows", len(rows)),
	)
	return rows, nil
}

// rowFromObject flattens an SWbemObject's Properties_ collection.
func rowFromObject(item *ole.IDispatch) (Row, error) {
	propsRaw, err := oleutil.GetProperty(item, "Properties_")
	if err != nil {
		return nil, err
	}
	props := propsRaw.ToIDispatch()
	defer propsRaw.Clear()

	row := make(Row)
	err = oleutil.ForEach(props, func(v *ole.VARIANT) error {
		prop := v.ToIDispatch()
		nameVar, err := oleutil.GetProperty(prop, "Name")
		if err != nil {
			return err
		}
		name := nameVar.ToString()
		_ = nameVar.Clear()
		valueVar, err := oleutil.GetProperty(prop, "Value")
		if err != nil {
			return err
		}
		row[name] = valueVar.Value()
		_ = valueVar.Clear()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// classify maps a COM error to a category. E_ACCESSDENIED during the
// connect handshake means the credential was rejected; after the session is
// up it means the object refused us.
func (a *comAdapter) classify(err error, connectPhase bool) failure.Category {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		code := uint32(oleErr.Code())
		if code == comDispException {
			// Real status is in the exception text.
			return classifyProviderText(err.Error())
		}
		if !connectPhase && code == 0x80070005 {
			return failure.CategoryPermissionDenied
		}
		if cat, ok := categoryForHRESULT(code); ok {
			return cat
		}
	}
	return classifyProviderText(err.Error())
}
