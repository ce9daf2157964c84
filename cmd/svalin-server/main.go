// Command svalin-server runs the broker (spec.md §4.I): it accepts
// agent and client connections, dispatches sessions through component
// F/J's handler collection, and brokers forwarded tunnels (component H).
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

	"github.com/google/uuid"
	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/aead"
	"github.com/svalin-project/svalin/agentlist"
	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/internal/anon"
	"github.com/svalin-project/svalin/internal/config"
	"github.com/svalin-project/svalin/internal/credstore"
	"github.com/svalin-project/svalin/internal/logging"
	"github.com/svalin-project/svalin/internal/trust"
	"github.com/svalin-project/svalin/join"
	"github.com/svalin-project/svalin/pake"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/quicconn"
	"github.com/svalin-project/svalin/rpcsession"
	"github.com/svalin-project/svalin/sessionlink"
	"github.com/svalin-project/svalin/store"
	"github.com/svalin-project/svalin/svalinserver"
)

func main() {
	app := kingpin.New("svalin-server", "Svalin broker")
	dataDir := app.Flag("data-dir", "directory holding the broker's credentials and database").Default("/var/lib/svalin-server").String()

	initCmd := app.Command("init", "generate a trust root and broker credential")
	listenAddr := initCmd.Flag("listen", "UDP address to listen on").Default("0.0.0.0:4433").String()
	publicHost := initCmd.Flag("public-host", "address clients can reach this broker's ephemeral session listeners on").Default("0.0.0.0").String()

	runCmd := app.Command("run", "run the broker")

	tokenCmd := app.Command("token", "manage agent join tokens")
	tokenCreate := tokenCmd.Command("create", "mint a one-time agent join token")
	tokenTTL := tokenCreate.Flag("ttl", "how long the token remains valid").Default("1h").Duration()

	userCmd := app.Command("user", "manage PAKE user accounts")
	userCreate := userCmd.Command("create", "register or update a user's password")
	userCreateName := userCreate.Arg("username", "account name").Required().String()
	userCreatePassword := userCreate.Flag("password", "account password").Required().String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch command {
	case initCmd.FullCommand():
		err = runInit(*dataDir, *listenAddr, *publicHost)
	case runCmd.FullCommand():
		err = runServer(*dataDir)
	case tokenCreate.FullCommand():
		err = runTokenCreate(*dataDir, *tokenTTL)
	case userCreate.FullCommand():
		err = runUserCreate(*dataDir, *userCreateName, *userCreatePassword)
	default:
		err = trace.BadParameter("unknown command %q", command)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func runInit(dataDir, listenAddr, publicHost string) error {
	cfg := config.ServerConfig{DataDir: dataDir, ListenAddr: listenAddr}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	if err != nil {
		return trace.Wrap(err, "generating trust root key pair")
	}
	rootCert, err := pki.GenerateRoot(rootKP, now)
	if err != nil {
		return trace.Wrap(err, "self-signing trust root")
	}
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	if err != nil {
		return trace.Wrap(err)
	}

	serverKP, err := pki.GenerateKeyPair()
	if err != nil {
		return trace.Wrap(err, "generating server key pair")
	}
	serverCert, err := pki.CreateServerCertificateFor(serverKP.PublicKey(), rootCred, now)
	if err != nil {
		return trace.Wrap(err, "issuing server certificate")
	}
	serverCred, err := pki.NewCredential(serverKP, serverCert)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := credstore.SaveKeyPair(rootKeyPath(dataDir), rootKP); err != nil {
		return trace.Wrap(err)
	}
	if err := credstore.SaveCertificate(cfg.RootCertPath, rootCert); err != nil {
		return trace.Wrap(err)
	}
	if err := credstore.SaveCredential(serverKeyPath(dataDir), cfg.CredentialPath, serverCred); err != nil {
		return trace.Wrap(err)
	}

	if _, err := trust.Open(trustStorePath(dataDir), rootCert); err != nil {
		return trace.Wrap(err, "initializing trust store")
	}
	if _, err := store.Open(cfg.StorePath); err != nil {
		return trace.Wrap(err, "initializing broker database")
	}

	cfg.PublicHost = publicHost
	if err := config.Save(dataDir, &cfg); err != nil {
		return trace.Wrap(err)
	}

	fmt.Printf("initialized broker in %s\nroot certificate SPKI: %s\n", dataDir, rootCert.SpkiHash())
	return nil
}

func runServer(dataDir string) error {
	log := logging.Init("svalinserver", logrus.InfoLevel)
	clock := clockwork.NewRealClock()

	cfg, err := config.Load[config.ServerConfig](dataDir)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.DataDir = dataDir
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	rootCred, err := credstore.LoadCredential(rootKeyPath(dataDir), cfg.RootCertPath)
	if err != nil {
		return trace.Wrap(err)
	}
	rootCert := rootCred.Certificate()
	serverCred, err := credstore.LoadCredential(serverKeyPath(dataDir), cfg.CredentialPath)
	if err != nil {
		return trace.Wrap(err)
	}
	trustStore, err := trust.Open(trustStorePath(dataDir), rootCert)
	if err != nil {
		return trace.Wrap(err)
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	registry := svalinserver.NewConnectionRegistry()

	// User session tree: reached only via the ephemeral per-login PSK
	// connection (sessionlink), so it uses AllowAllPermissionHandler
	// rather than the default cert-type policy (see sessionlink's
	// package doc).
	userCollection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	userCollection.Register(&forward.ForwardHandler{Finder: registry, Log: log})
	userCollection.Register(&agentlist.Handler{Registry: registry, Store: db, Certs: trustStore, Root: rootCred})

	// Anonymous tree: join + login, reached over the fixed-PSK anonymous
	// listener.
	anonCollection := rpcsession.NewHandlerCollection(&rpcsession.DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()})
	anonCollection.Register(&join.Handler{
		Tokens:     db,
		Agents:     db,
		Trust:      trustStore,
		Root:       rootCred,
		ServerCert: serverCred.Certificate(),
		Clock:      clock,
	})
	anonCollection.Register(&sessionlink.Handler{
		Config: pake.ServerConfig{
			DB:           store.PakeDatabase{Store: db, Ctx: context.Background()},
			ServerSecret: []byte(rootCert.SpkiHash().String()),
			TOTP:         store.PakeTOTPVerifier{Store: db, Ctx: context.Background()},
		},
		PublicHost: cfg.PublicHost,
		Collection: userCollection,
		Log:        log,
	})

	// Main tree: agents and the broker's own reachable surface, gated by
	// mutual TLS and the default permission policy.
	mainCollection := rpcsession.NewHandlerCollection(&rpcsession.DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()})
	mainCollection.Register(&forward.DeauthenticateHandler{Collection: anonCollection})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	anonAddr, err := anonListenAddr(cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	anonServer, err := svalinserver.New(svalinserver.Config{
		ListenAddr: anonAddr,
		Transport:  quicconn.Config{PSK: anon.Secret},
		Collection: anonCollection,
		Log:        log.WithField("listener", "anonymous"),
		Registry:   registry,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	mainServer, err := svalinserver.New(svalinserver.Config{
		ListenAddr: cfg.ListenAddr,
		Transport: quicconn.Config{
			Credential: serverCred,
			Verifier:   trustStore.Verifier(clock),
		},
		Collection: mainCollection,
		Log:        log.WithField("listener", "main"),
		Registry:   registry,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- anonServer.Run(ctx) }()
	go func() { errCh <- mainServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		anonServer.Close()
		mainServer.Close()
		return nil
	case err := <-errCh:
		cancel()
		return trace.Wrap(err)
	}
}

// rootKeyPath, serverKeyPath, and trustStorePath locate the broker's root
// private key, server private key, and learned-certificate cache inside
// its data directory. Unlike CredentialPath/RootCertPath these are not
// part of ServerConfig: the private key location is never meant to move
// independently of DataDir.
func rootKeyPath(dataDir string) string   { return filepath.Join(dataDir, "root.key") }
func serverKeyPath(dataDir string) string { return filepath.Join(dataDir, "server.key") }
func trustStorePath(dataDir string) string { return filepath.Join(dataDir, "trust.json") }

// anonListenAddr derives the anonymous listener's address from the main
// listener's: same host, port+1. Both are configured as a single
// ListenAddr to keep the broker's config surface small.
func anonListenAddr(mainAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(mainAddr)
	if err != nil {
		return "", trace.Wrap(err, "parsing listen address %q", mainAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", trace.Wrap(err, "parsing listen port %q", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

func runTokenCreate(dataDir string, ttl time.Duration) error {
	cfg, err := config.Load[config.ServerConfig](dataDir)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.DataDir = dataDir
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	token := randomToken()
	if err := db.CreateJoinToken(context.Background(), token, time.Now().Add(ttl)); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(token)
	return nil
}

// randomToken generates a one-time join token. Tokens are bearer secrets
// handed to operators out of band, not guessable identifiers, so a v4
// UUID's 122 bits of randomness (rather than e.g. a sequential ID) is the
// relevant property.
func randomToken() string {
	return uuid.NewString()
}

func runUserCreate(dataDir, username, password string) error {
	cfg, err := config.Load[config.ServerConfig](dataDir)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.DataDir = dataDir
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	params, err := aead.DefaultArgon2Params()
	if err != nil {
		return trace.Wrap(err)
	}
	verifierKey := params.DeriveKey([]byte(password))
	return trace.Wrap(db.UpsertUser(context.Background(), username, params, verifierKey))
}
