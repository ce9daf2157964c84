// Package trust implements the local certificate cache that backs
// component A's pki.Verifier on every reference binary: rather than
// walking a live "load_certificate_chain" exchange for every hop (left
// as future work in DESIGN.md), each process keeps a small on-disk cache
// of certificates it has already seen — the root, plus every peer
// certificate learned at enrollment or first contact — and answers
// pki.ChainFetcher queries out of that cache.
package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
)

// Store caches certificates by SPKI hash and persists them as base64 DER
// in a single JSON file.
type Store struct {
	mu   sync.RWMutex
	path string
	root *pki.Certificate
	by   map[pki.SpkiHash]*pki.Certificate
}

type onDisk struct {
	Root  string   `json:"root"`
	Certs []string `json:"certs"`
}

// Open loads the trust store at path, trusting root as the chain
// anchor. The file is created empty on first use.
func Open(path string, root *pki.Certificate) (*Store, error) {
	s := &Store{path: path, root: root, by: make(map[pki.SpkiHash]*pki.Certificate)}
	s.by[root.SpkiHash()] = root

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, trace.Wrap(err, "reading trust store %q", path)
	}

	var disk onDisk
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, trace.Wrap(err, "parsing trust store %q", path)
	}
	for _, encoded := range disk.Certs {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, trace.Wrap(err, "decoding cached certificate")
		}
		cert, err := pki.ParseCertificate(der)
		if err != nil {
			return nil, trace.Wrap(err, "parsing cached certificate")
		}
		s.by[cert.SpkiHash()] = cert
	}
	return s, nil
}

// Root returns the trust anchor this store was opened with.
func (s *Store) Root() *pki.Certificate { return s.root }

// Learn adds cert to the cache and persists the updated store.
func (s *Store) Learn(cert *pki.Certificate) error {
	s.mu.Lock()
	s.by[cert.SpkiHash()] = cert
	s.mu.Unlock()
	return s.save()
}

// FetchCertificate implements pki.ChainFetcher.
func (s *Store) FetchCertificate(_ context.Context, hash pki.SpkiHash) (*pki.Certificate, error) {
	s.mu.RLock()
	cert, ok := s.by[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("trust store has no cached certificate for %v", hash)
	}
	return cert, nil
}

// Verifier builds a pki.Verifier over this store's cache, rooted at
// Root and using clock for expiry checks.
func (s *Store) Verifier(clock pki.Clock) pki.Verifier {
	return pki.NewRemoteChainVerifier(s.root, s, clock)
}

func (s *Store) save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	disk := onDisk{Root: base64.StdEncoding.EncodeToString(s.root.DER())}
	for hash, cert := range s.by {
		if hash.Equal(s.root.SpkiHash()) {
			continue
		}
		disk.Certs = append(disk.Certs, base64.StdEncoding.EncodeToString(cert.DER()))
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return trace.Wrap(err, "marshaling trust store")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return trace.Wrap(err, "writing trust store %q", s.path)
	}
	return nil
}
