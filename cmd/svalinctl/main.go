// Command svalinctl is the user-facing client (spec.md §4.E, §4.K): it
// logs in to a broker over AuCPace, then either lists known agents or
// opens a forwarded tunnel to one of them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/svalin-project/svalin/agentlist"
	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/installinfo"
	"github.com/svalin-project/svalin/internal/anon"
	"github.com/svalin-project/svalin/internal/config"
	"github.com/svalin-project/svalin/internal/credstore"
	"github.com/svalin-project/svalin/internal/logging"
	"github.com/svalin-project/svalin/pake"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/quicconn"
	"github.com/svalin-project/svalin/rpcsession"
	"github.com/svalin-project/svalin/sessionlink"
)

func main() {
	app := kingpin.New("svalinctl", "Svalin client")
	dataDir := app.Flag("data-dir", "directory holding this device's cached agent list and remembered broker address").Default(defaultDataDir()).String()
	server := app.Flag("server", "broker's main listen address (remembered after the first use)").String()
	username := app.Flag("user", "account name").Required().String()
	totpCode := app.Flag("totp", "current TOTP code, if the account requires one").String()

	listCmd := app.Command("list", "list known agents and their connection status")
	listWait := listCmd.Flag("watch", "keep streaming updates instead of exiting after the first snapshot").Bool()

	connectCmd := app.Command("connect", "open a forwarded tunnel to an agent")
	connectTarget := connectCmd.Arg("target", "target agent's SPKI hash").Required().String()
	connectLocal := connectCmd.Flag("local", "local address to listen on and forward, instead of stdio").String()

	infoCmd := app.Command("install-info", "query an agent's running version and platform")
	infoTarget := infoCmd.Arg("target", "target agent's SPKI hash").Required().String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := resolveConfig(*dataDir, *server)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}

	password, err := readPassword()
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}

	switch command {
	case listCmd.FullCommand():
		err = runList(cfg, *username, password, *totpCode, *listWait)
	case connectCmd.FullCommand():
		err = runConnect(cfg.ServerAddr, *username, password, *totpCode, *connectTarget, *connectLocal)
	case infoCmd.FullCommand():
		err = runInstallInfo(cfg.ServerAddr, *username, password, *totpCode, *infoTarget)
	default:
		err = trace.BadParameter("unknown command %q", command)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

// resolveConfig loads this device's remembered configuration, if any, and
// overrides it with --server when given, persisting the result so later
// invocations can omit --server.
func resolveConfig(dataDir, serverFlag string) (*config.ClientConfig, error) {
	cfg, err := config.Load[config.ClientConfig](dataDir)
	if err != nil {
		cfg = &config.ClientConfig{}
	}
	cfg.DataDir = dataDir
	if serverFlag != "" {
		cfg.ServerAddr = serverFlag
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err, "no broker address remembered; pass --server")
	}
	if err := config.Save(dataDir, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".svalin"
	}
	return filepath.Join(home, ".svalin")
}

func readPassword() ([]byte, error) {
	fmt.Fprint(os.Stderr, "password: ")
	defer fmt.Fprintln(os.Stderr)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, trace.Wrap(err, "reading password")
	}
	return password, nil
}

func totpProvider(code string) func() (string, error) {
	if code == "" {
		return nil
	}
	return func() (string, error) { return code, nil }
}

// login dials the broker's anonymous listener, runs AuCPace, and returns
// the ephemeral per-login connection sessionlink hands back.
func login(ctx context.Context, server, username string, password []byte, totp string) (*quicconn.Conn, error) {
	anonConn, err := quicconn.DialAddr(ctx, server, quicconn.Config{PSK: anon.Secret})
	if err != nil {
		return nil, trace.Wrap(err, "dialing broker at %s", server)
	}
	defer anonConn.Close()

	session, err := anonConn.OpenSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "opening login session")
	}

	resp, err := rpcsession.RequestCommand(session, pake.LoginKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.Accepted() {
		return nil, trace.Wrap(rpcsession.DeclineError(resp))
	}

	conn, err := sessionlink.Connect(ctx, session, username, password, totpProvider(totp))
	if err != nil {
		return nil, trace.Wrap(err, "logging in")
	}
	return conn, nil
}

func runList(cfg *config.ClientConfig, username string, password []byte, totp string, watch bool) error {
	log := logging.Init("svalinctl", logrus.InfoLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := login(ctx, cfg.ServerAddr, username, password, totp)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()

	root, err := credstore.LoadCertificate(cfg.RootCertPath)
	if err != nil {
		return trace.Wrap(err, "loading trust root %q (provision it from the broker's root.cert before listing agents)", cfg.RootCertPath)
	}

	sub := agentlist.NewSubscriber(conn, root)
	if cached, err := loadDeviceCache(cfg.DeviceCachePath); err == nil {
		sub.Seed(cached)
	}

	runCtx := context.Background()
	if !watch {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, 10*time.Second)
		defer timeoutCancel()
	}
	sub.Run(runCtx)
	defer sub.Stop()

	select {
	case <-sub.Changed():
	case <-time.After(10 * time.Second):
	}

	devices := sub.Devices()
	for _, d := range devices {
		fmt.Printf("%s  %s  online=%v\n", d.Hash, d.Name, d.Online)
	}
	if err := saveDeviceCache(cfg.DeviceCachePath, devices); err != nil {
		log.WithError(err).Warn("failed to update device cache")
	}

	if watch {
		for range sub.Changed() {
			fmt.Println("---")
			for _, d := range sub.Devices() {
				fmt.Printf("%s  %s  online=%v\n", d.Hash, d.Name, d.Online)
			}
		}
	}
	return nil
}

func loadDeviceCache(path string) ([]agentlist.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var devices []agentlist.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, trace.Wrap(err)
	}
	return devices, nil
}

func saveDeviceCache(path string, devices []agentlist.Device) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.Wrap(err)
	}
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.WriteFile(path, data, 0o600))
}

func runConnect(server, username string, password []byte, totp, target, local string) error {
	log := logging.Init("svalinctl", logrus.InfoLevel)

	hash, err := pki.ParseSpkiHash(target)
	if err != nil {
		return trace.Wrap(err, "parsing target %q", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := login(ctx, server, username, password, totp)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()

	if local == "" {
		return trace.Wrap(connectOnce(context.Background(), conn, hash, stdio{}, log))
	}

	listener, err := net.Listen("tcp", local)
	if err != nil {
		return trace.Wrap(err, "listening on %s", local)
	}
	defer listener.Close()
	fmt.Fprintf(os.Stderr, "forwarding %s on %s\n", target, local)

	for {
		accepted, err := listener.Accept()
		if err != nil {
			return trace.Wrap(err, "accepting local connection")
		}
		go func() {
			if err := connectOnce(context.Background(), conn, hash, accepted, log); err != nil {
				log.WithError(err).Warn("forwarded connection ended with error")
			}
		}()
	}
}

func connectOnce(ctx context.Context, conn *quicconn.Conn, target pki.SpkiHash, local rpcsession.RawStream, log logrus.FieldLogger) error {
	session, err := conn.OpenSession(ctx)
	if err != nil {
		return trace.Wrap(err, "opening forward session")
	}

	resp, err := rpcsession.RequestCommand(session, forward.ForwardKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if !resp.Accepted() {
		return trace.Wrap(rpcsession.DeclineError(resp))
	}
	if err := session.WriteObject(forward.ForwardRequest{Target: target}); err != nil {
		return trace.Wrap(err, "sending forward request")
	}

	var result forward.ForwardResult
	if err := session.ReadObject(&result); err != nil {
		return trace.Wrap(err, "reading forward result")
	}
	if !result.OK {
		return trace.BadParameter("broker declined forward: %s", result.Message)
	}

	return trace.Wrap(forward.Splice(ctx, session.Raw(), local, log))
}

func runInstallInfo(server, username string, password []byte, totp, target string) error {
	hash, err := pki.ParseSpkiHash(target)
	if err != nil {
		return trace.Wrap(err, "parsing target %q", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := login(ctx, server, username, password, totp)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()

	info, err := installinfo.Query(ctx, conn, hash)
	if err != nil {
		return trace.Wrap(err, "querying install info")
	}
	fmt.Printf("version=%s platform=%s arch=%s\n", info.Version, info.Platform, info.Arch)
	return nil
}

// stdio adapts stdin/stdout to rpcsession.RawStream for the no --local
// case, where the tunnel's far end is this process's own terminal.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }
