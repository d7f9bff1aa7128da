// Package tlsconfig builds the TLS settings of the management endpoint.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"

    "github.com/amirimatin/clusternode/pkg/config"
)

var ErrMissingKeyPair = errors.New("tlsconfig: server cert/key required when TLS enabled")

// certTTL bounds how long a loaded certificate is served before the files
// are read again, so rotated certificates are picked up without a restart.
const certTTL = 10 * time.Second

// Server returns a tls.Config for the management server, or nil when TLS is
// disabled. A configured CA enables mutual TLS.
func Server(o config.TLS) (*tls.Config, error) {
    if !o.Enabled { return nil, nil }
    if o.Cert == "" || o.Key == "" { return nil, ErrMissingKeyPair }
    kp := &keyPair{cert: o.Cert, key: o.Key}
    if _, err := kp.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    if o.CA != "" {
        pool, err := loadPool(o.CA)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for management clients, or nil when TLS is
// disabled.
func Client(o config.TLS) (*tls.Config, error) {
    if !o.Enabled { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.SkipVerify} //nolint:gosec
    if o.CA != "" {
        pool, err := loadPool(o.CA)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.Cert != "" && o.Key != "" {
        kp := &keyPair{cert: o.Cert, key: o.Key}
        if _, err := kp.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}

func loadPool(caFile string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(caFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tlsconfig: no certificates in %s", caFile) }
    return pool, nil
}

type keyPair struct {
    cert, key string

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.loaded) < certTTL { return k.cached, nil }
    c, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        if k.cached != nil { return k.cached, nil }
        return nil, err
    }
    k.cached, k.loaded = &c, time.Now()
    return k.cached, nil
}
