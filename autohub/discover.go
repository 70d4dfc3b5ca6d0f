package autohub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/coder/websocket"

	"github.com/tabhub/tabhub/hub"
	"github.com/tabhub/tabhub/internal/hub/config"
	"github.com/tabhub/tabhub/internal/wire"
)

const (
	// shortDialTimeout is the first connection attempt's deadline.
	shortDialTimeout = 3 * time.Second

	// longDialTimeout is the retry deadline after a bind race: another
	// process owns the port, so a hub may still be coming up.
	longDialTimeout = 10 * time.Second
)

// discovery is the outcome of "connect to an existing hub or start one".
type discovery struct {
	ws *websocket.Conn

	// embedded is non-nil when this client started the hub in-process.
	embedded *hub.Server
	stop     context.CancelFunc
}

// discover implements the connect-or-create algorithm:
//  1. dial the well-known port with a short timeout
//  2. on refusal, bind the port and start an embedded hub, then re-dial
//  3. on a bind race (PORT_IN_USE), re-dial with a longer timeout; if
//     that also fails, report what owns the port as best we can tell
func discover(ctx context.Context, cfg *config.Config) (*discovery, error) {
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.HubPort)

	if !cfg.ForceHubCreation {
		if ws, err := dialHub(ctx, wsURL, shortDialTimeout); err == nil {
			slog.Debug("connected to existing hub", "port", cfg.HubPort)
			return &discovery{ws: ws}, nil
		}
	}

	server, err := hub.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("create embedded hub: %w", err)
	}

	serveCtx, stop := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(serveCtx) }()

	ws, dialErr := redialEmbedded(ctx, wsURL, serveErr)
	if dialErr == nil {
		slog.Info("started embedded hub", "port", cfg.HubPort)
		return &discovery{ws: ws, embedded: server, stop: stop}, nil
	}
	stop()

	// The bind raced another process. A sibling client may have won and
	// be bringing its own hub up; give it the longer timeout.
	var werr *wire.Error
	if errors.As(dialErr, &werr) && werr.Code == wire.CodePortInUse {
		if ws, err := dialHub(ctx, wsURL, longDialTimeout); err == nil {
			slog.Debug("connected to hub after bind race", "port", cfg.HubPort)
			return &discovery{ws: ws}, nil
		}
		return nil, wire.NewError(wire.CodePortInUse,
			fmt.Sprintf("port %d: %s", cfg.HubPort, portDiagnostic(cfg.HubPort)))
	}
	return nil, dialErr
}

// redialEmbedded waits for the embedded hub to accept connections,
// surfacing its bind error if it fails to come up.
func redialEmbedded(ctx context.Context, wsURL string, serveErr <-chan error) (*websocket.Conn, error) {
	deadline := time.Now().Add(shortDialTimeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-serveErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if ws, err := dialHub(ctx, wsURL, 500*time.Millisecond); err == nil {
			return ws, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("embedded hub did not accept connections")
}

func dialHub(ctx context.Context, wsURL string, timeout time.Duration) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return ws, nil
}

// portDiagnostic describes, best effort, what is occupying the port:
// either something accepts TCP but does not speak the hub protocol, or
// the listener is gone again.
func portDiagnostic(port int) string {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return "the port was in use during bind but nothing is accepting connections now"
	}
	_ = conn.Close()
	return "another process is listening on the port but is not a reachable hub"
}
