// Command pairdaemond is the remote-control server: it pairs a single
// mobile/web client over ECDH, authenticates it by PIN, and lets it
// drive a local agent subprocess against a directory of projects.
// Grounded on getfinn-finn's cmd/finn/main.go (flag parsing, banner
// log, construct-then-Start()-blocks shape).
package main

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pairdaemon/pairdaemon/internal/crypto"
	"github.com/pairdaemon/pairdaemon/internal/httpapi"
	"github.com/pairdaemon/pairdaemon/internal/job"
	"github.com/pairdaemon/pairdaemon/internal/pairing"
	"github.com/pairdaemon/pairdaemon/internal/project"
	"github.com/pairdaemon/pairdaemon/internal/push"
	"github.com/pairdaemon/pairdaemon/internal/store"
	"github.com/pairdaemon/pairdaemon/internal/transport"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	projectsDir := flag.String("projects", defaultProjectsDir(), "base directory to scan for projects")
	baseDir := flag.String("state-dir", defaultStateDir(), "directory for server identity, devices, and conversation state")
	addr := flag.String("addr", ":8787", "bind address for the HTTP/WS server")
	clientURL := flag.String("client-url", "", "public URL of the chat client, used in pairing redirects and push links")
	agentBin := flag.String("agent", "claude", "agent CLI binary to invoke per project turn")
	pushEmail := flag.String("push-contact-email", "admin@localhost", "contact email embedded in VAPID JWTs")
	pin := flag.String("pin", "", "set the auth PIN on first start (otherwise one is generated and printed)")
	version := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Println("pairdaemond dev")
		os.Exit(0)
	}

	log.Println("===========================================")
	log.Println("   pairdaemond")
	log.Println("===========================================")

	s, err := store.Open(*baseDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	if s.PinHash() == "" {
		if err := provisionPIN(s, *pin); err != nil {
			log.Fatalf("provision pin: %v", err)
		}
	}

	registry, err := project.NewRegistry(*projectsDir)
	if err != nil {
		log.Fatalf("open project registry: %v", err)
	}
	if err := registry.Watch(); err != nil {
		log.Printf("project registry: watch disabled: %v", err)
	}
	defer registry.Close()

	convs := s.Conversations()

	dispatcher, err := push.NewDispatcher(*baseDir, *pushEmail, *clientURL, func(id string) (string, bool) {
		p, ok := registry.Get(id)
		if !ok {
			return "", false
		}
		return p.Name, true
	})
	if err != nil {
		log.Fatalf("open push dispatcher: %v", err)
	}

	jobs := job.NewManager(
		job.NewAgentCommandFactory(*agentBin),
		convs,
		projectPathFromRegistry(registry),
		dispatcher,
	)

	wsServer := transport.NewServer(
		func() []transport.DeviceSecret { return deviceSecrets(s.Devices()) },
		func(pin string) (bool, error) { return crypto.VerifyPIN(pin, s.PinHash()) },
		jobs,
		dispatcher,
	)

	router := &httpapi.Router{
		Projects:      registry,
		Conversations: convs,
		PRs:           nil,
		VAPID:         dispatcher,
		WS:            wsServer,
		Pairing:       pairing.NewHandler(s, *clientURL),
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: router.NewMux(),
	}

	printPairingBanner(s, *addr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("pairdaemond stopped")
}

func defaultProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./projects"
	}
	return filepath.Join(home, "projects")
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./pairdaemon-state"
	}
	return filepath.Join(dir, "pairdaemon")
}

func provisionPIN(s *store.Store, explicit string) error {
	pin := explicit
	if pin == "" {
		pin = generatePIN()
		log.Printf("no PIN configured; generated one-time PIN: %s", pin)
	}
	hash, err := crypto.HashPIN(pin)
	if err != nil {
		return err
	}
	return s.SetPinHash(hash)
}

func generatePIN() string {
	b := make([]byte, 4)
	if _, err := cryptorand.Read(b); err != nil {
		return "000000"
	}
	n := (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) % 1000000
	return fmt.Sprintf("%06d", n)
}

func deviceSecrets(devices []store.Device) []transport.DeviceSecret {
	out := make([]transport.DeviceSecret, len(devices))
	for i, d := range devices {
		out[i] = transport.DeviceSecret{ID: d.ID, Secret: d.SharedSecret}
	}
	return out
}

// projectPathFromRegistry adapts project.Registry.Get (which returns a
// full Project) into the bare-path lookup job.Manager needs.
func projectPathFromRegistry(registry *project.Registry) job.ProjectPath {
	return func(projectID string) (string, bool) {
		p, ok := registry.Get(projectID)
		if !ok {
			return "", false
		}
		return p.Path, true
	}
}

func printPairingBanner(s *store.Store, addr string) {
	token := s.PairingToken()
	if token == "" {
		log.Println("a device is already paired; no pairing token is active")
		return
	}
	log.Printf("pairing token: %s", token)
	log.Printf("pair by visiting http://localhost%s/pair/%s", addr, token)
}
