package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/godbus/dbus/v5"
)

// xdg-desktop-portal D-Bus names
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// SelectSources options
const (
	sourceTypeMonitor   = 1 << 0
	cursorModeEmbedded  = 1 << 1
	persistModeSession  = 2
	selectSourceTimeout = 60 * time.Second // the user picks a screen in a dialog
	portalCallTimeout   = 30 * time.Second
)

var requestCounter atomic.Uint64

// screenCastPortal negotiates a PipeWire screen cast stream through
// xdg-desktop-portal, which is how Wayland compositors share the screen.
type screenCastPortal struct {
	conn         *dbus.Conn
	session      dbus.ObjectPath
	restoreToken string
	tokenPath    string
}

// castStream is the negotiated PipeWire node
type castStream struct {
	Node   uint32
	Width  int
	Height int
}

func openPortal(tokenPath string) (*screenCastPortal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	p := &screenCastPortal{conn: conn, tokenPath: tokenPath}
	p.restoreToken = loadRestoreToken(tokenPath)
	return p, nil
}

// start runs CreateSession, SelectSources and Start and returns the stream
func (p *screenCastPortal) start(ctx context.Context) (castStream, error) {
	log := logger.WithComponent("portal")

	results, err := p.request(ctx, portalCallTimeout, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("platestreamer_session%d", os.Getpid())),
	})
	if err != nil {
		return castStream{}, fmt.Errorf("create session: %w", err)
	}
	session, err := sessionHandle(results)
	if err != nil {
		return castStream{}, err
	}
	p.session = session
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	selectOpts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(cursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
	}
	if p.restoreToken != "" {
		selectOpts["restore_token"] = dbus.MakeVariant(p.restoreToken)
	}
	log.Info().Msg("Waiting for screen selection (a portal dialog may appear)")
	if _, err := p.request(ctx, selectSourceTimeout, "SelectSources", selectOpts, session); err != nil {
		return castStream{}, fmt.Errorf("select sources: %w", err)
	}

	results, err = p.request(ctx, portalCallTimeout, "Start", map[string]dbus.Variant{}, session, "")
	if err != nil {
		return castStream{}, fmt.Errorf("start: %w", err)
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			p.restoreToken = token
			saveRestoreToken(p.tokenPath, token)
		}
	}

	stream, err := firstStream(results)
	if err != nil {
		return castStream{}, err
	}
	log.Info().Uint32("node_id", stream.Node).Int("width", stream.Width).Int("height", stream.Height).Msg("Screen cast started")
	return stream, nil
}

// request calls a ScreenCast method and waits for its Request.Response
// signal. options gets a fresh handle_token and is passed last.
func (p *screenCastPortal) request(ctx context.Context, timeout time.Duration, method string, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	options["handle_token"] = dbus.MakeVariant(fmt.Sprintf("platestreamer%d_%d", os.Getpid(), requestCounter.Add(1)))

	// Subscribe before calling so the response cannot be missed
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}
	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	call := p.conn.Object(portalService, portalPath).
		CallWithContext(ctx, screenCastIface+"."+method, 0, append(args, options)...)
	if err := call.Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for %s response: %w", method, ctx.Err())
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

func (p *screenCastPortal) close() error {
	if p.session != "" {
		p.conn.Object(portalService, p.session).Call(sessionIface+".Close", 0)
		p.session = ""
	}
	return p.conn.Close()
}

// parseResponse decodes the (u a{sv}) body of Request.Response
func parseResponse(body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("empty portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("unexpected response code type %T", body[0])
	}
	switch code {
	case 0:
	case 1:
		return nil, fmt.Errorf("request cancelled by the user")
	default:
		return nil, fmt.Errorf("portal request denied (code %d)", code)
	}
	if len(body) < 2 {
		return map[string]dbus.Variant{}, nil
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("unexpected response results type %T", body[1])
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// firstStream reads the a(ua{sv}) streams result of Start
func firstStream(results map[string]dbus.Variant) (castStream, error) {
	v, ok := results["streams"]
	if !ok {
		return castStream{}, fmt.Errorf("no streams in response")
	}

	var fields []interface{}
	switch s := v.Value().(type) {
	case [][]interface{}:
		if len(s) > 0 {
			fields = s[0]
		}
	case []interface{}:
		if len(s) > 0 {
			fields, _ = s[0].([]interface{})
		}
	}
	if len(fields) == 0 {
		return castStream{}, fmt.Errorf("unsupported streams format %T", v.Value())
	}

	node, ok := fields[0].(uint32)
	if !ok {
		return castStream{}, fmt.Errorf("unexpected node id type %T", fields[0])
	}
	stream := castStream{Node: node}
	if len(fields) > 1 {
		if props, ok := fields[1].(map[string]dbus.Variant); ok {
			if size, ok := props["size"]; ok {
				if wh, ok := size.Value().([]interface{}); ok && len(wh) == 2 {
					w, _ := wh[0].(int32)
					h, _ := wh[1].(int32)
					stream.Width, stream.Height = int(w), int(h)
				}
			}
		}
	}
	return stream, nil
}

type restoreTokenFile struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var f restoreTokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ""
	}
	return f.Token
}

func saveRestoreToken(path, token string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(restoreTokenFile{Token: token})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to save restore token")
	}
}
