// Command svalin-agent runs an Agent endpoint (spec.md §4.H): it joins a
// broker with a one-time token, then keeps a single outbound connection
// to the broker open, serving deauthenticate-and-relay requests against
// a preconfigured local target.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/agentrelay"
	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/internal/anon"
	"github.com/svalin-project/svalin/internal/config"
	"github.com/svalin-project/svalin/internal/credstore"
	"github.com/svalin-project/svalin/internal/logging"
	"github.com/svalin-project/svalin/internal/trust"
	"github.com/svalin-project/svalin/installinfo"
	"github.com/svalin-project/svalin/join"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/quicconn"
	"github.com/svalin-project/svalin/rpcsession"
)

// reconnectDelay is how long the agent waits before redialing the broker
// after the connection drops.
const reconnectDelay = 5 * time.Second

// agentVersion is reported verbatim by the install_info command.
const agentVersion = "0.1.0"

func main() {
	app := kingpin.New("svalin-agent", "Svalin agent")
	dataDir := app.Flag("data-dir", "directory holding this agent's credentials").Default("/var/lib/svalin-agent").String()

	joinCmd := app.Command("join", "enroll with a broker using a one-time token")
	joinServer := joinCmd.Flag("server", "broker's main listen address").Required().String()
	joinToken := joinCmd.Flag("token", "one-time join token").Required().String()
	joinRelayTarget := joinCmd.Flag("relay-target", "local address this agent relays connections to").Default("localhost:22").String()

	runCmd := app.Command("run", "connect to the broker and serve relay requests")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch command {
	case joinCmd.FullCommand():
		err = runJoin(*dataDir, *joinServer, *joinToken, *joinRelayTarget)
	case runCmd.FullCommand():
		err = runAgent(*dataDir)
	default:
		err = trace.BadParameter("unknown command %q", command)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func runJoin(dataDir, serverAddr, token, relayTarget string) error {
	cfg := config.AgentConfig{DataDir: dataDir, ServerAddr: serverAddr, RelayTarget: relayTarget}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	anonAddr, err := anonListenAddr(serverAddr)
	if err != nil {
		return trace.Wrap(err)
	}

	kp, err := pki.GenerateKeyPair()
	if err != nil {
		return trace.Wrap(err, "generating agent key pair")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := quicconn.DialAddr(ctx, anonAddr, quicconn.Config{PSK: anon.Secret})
	if err != nil {
		return trace.Wrap(err, "dialing broker's anonymous listener at %s", anonAddr)
	}
	defer conn.Close()

	session, err := conn.OpenSession(ctx)
	if err != nil {
		return trace.Wrap(err, "opening join session")
	}

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "agent"
	}
	cred, rootCert, serverCert, err := join.Request(session, token, kp, name)
	if err != nil {
		return trace.Wrap(err, "requesting agent certificate")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return trace.Wrap(err, "creating data directory %q", dataDir)
	}
	if err := credstore.SaveCredential(agentKeyPath(dataDir), cfg.CredentialPath, cred); err != nil {
		return trace.Wrap(err)
	}
	if err := credstore.SaveCertificate(cfg.RootCertPath, rootCert); err != nil {
		return trace.Wrap(err)
	}
	trustStore, err := trust.Open(trustStorePath(dataDir), rootCert)
	if err != nil {
		return trace.Wrap(err, "initializing trust store")
	}
	if err := trustStore.Learn(serverCert); err != nil {
		return trace.Wrap(err, "caching broker server certificate")
	}

	if err := config.Save(dataDir, &cfg); err != nil {
		return trace.Wrap(err)
	}

	fmt.Printf("joined broker at %s\nagent certificate SPKI: %s\n", serverAddr, cred.Certificate().SpkiHash())
	return nil
}

func runAgent(dataDir string) error {
	log := logging.Init("svalin-agent", logrus.InfoLevel)
	clock := clockwork.NewRealClock()

	cfg, err := config.Load[config.AgentConfig](dataDir)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.DataDir = dataDir
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	cred, err := credstore.LoadCredential(agentKeyPath(dataDir), cfg.CredentialPath)
	if err != nil {
		return trace.Wrap(err)
	}
	rootCert, err := credstore.LoadCertificate(cfg.RootCertPath)
	if err != nil {
		return trace.Wrap(err)
	}
	trustStore, err := trust.Open(trustStorePath(dataDir), rootCert)
	if err != nil {
		return trace.Wrap(err)
	}

	relayCollection := rpcsession.NewHandlerCollection(&rpcsession.DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()})
	relayCollection.Register(&agentrelay.Handler{Target: cfg.RelayTarget, Log: log})
	relayCollection.Register(&installinfo.Handler{Version: agentVersion})

	agentCollection := rpcsession.NewHandlerCollection(&rpcsession.DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()})
	agentCollection.Register(&forward.DeauthenticateHandler{Collection: relayCollection})

	transport := quicconn.Config{Credential: cred, Verifier: trustStore.Verifier(clock)}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		if err := serveBroker(ctx, cfg.ServerAddr, transport, agentCollection, log); err != nil {
			log.WithError(err).Warn("lost connection to broker, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
		}
	}
	return nil
}

func serveBroker(ctx context.Context, addr string, transport quicconn.Config, collection *rpcsession.HandlerCollection, log logrus.FieldLogger) error {
	conn, err := quicconn.DialAddr(ctx, addr, transport)
	if err != nil {
		return trace.Wrap(err, "dialing broker at %s", addr)
	}
	defer conn.Close()
	log.WithField("broker", addr).Info("connected to broker")

	for {
		session, err := conn.AcceptSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err, "accepting session from broker")
		}
		go func() {
			if err := collection.HandleSession(ctx, session); err != nil {
				log.WithError(err).Debug("broker session ended with error")
			}
		}()
	}
}

// agentKeyPath and trustStorePath locate this agent's private key and
// learned-certificate cache inside its data directory.
func agentKeyPath(dataDir string) string   { return filepath.Join(dataDir, "agent.key") }
func trustStorePath(dataDir string) string { return filepath.Join(dataDir, "trust.json") }

// anonListenAddr derives a broker's anonymous listener address from its
// main listen address (same host, port+1), mirroring cmd/svalin-server's
// derivation so an operator only ever configures one broker address.
func anonListenAddr(mainAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(mainAddr)
	if err != nil {
		return "", trace.Wrap(err, "parsing broker address %q", mainAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", trace.Wrap(err, "parsing broker port %q", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}
