//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/clusternode/pkg/config"
	"github.com/amirimatin/clusternode/pkg/security/tlsconfig"
	"github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

func TestTLSClusterFormsOverMutualTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := t.TempDir()
	caCrt, _, srvCrt, srvKey, cliCrt, cliKey := mustMakeTestCerts(t, dir)
	srvTLS, err := tlsconfig.Server(config.TLS{Enabled: true, CA: caCrt, Cert: srvCrt, Key: srvKey})
	if err != nil {
		t.Fatalf("tls server: %v", err)
	}
	// Nodes join each other with the client certificate.
	cliTLS, err := tlsconfig.Client(config.TLS{Enabled: true, CA: caCrt, Cert: cliCrt, Key: cliKey})
	if err != nil {
		t.Fatalf("tls client: %v", err)
	}

	ms := members(t)
	startNode(t, ctx, ms[0].settings(true), srvTLS, cliTLS)
	startNode(t, ctx, ms[1].settings(false, ms[0].httpAddr), srvTLS, cliTLS)
	startNode(t, ctx, ms[2].settings(false, ms[0].httpAddr), srvTLS, cliTLS)

	cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)
	waitUntil(t, 30*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, ms[0].httpAddr)
		if err != nil {
			return err
		}
		if !s.Healthy || !s.Leader || len(s.Voters) != 3 {
			return errNotYet
		}
		return nil
	})

	// Without a client certificate the handshake is refused.
	anon, err := tlsconfig.Client(config.TLS{Enabled: true, CA: caCrt})
	if err != nil {
		t.Fatalf("tls client: %v", err)
	}
	if _, err := httpjson.NewClient(time.Second).UseTLS(anon).GetStatus(ctx, ms[0].httpAddr); err == nil {
		t.Fatalf("status served without a client certificate")
	}
}

func mustMakeTestCerts(t *testing.T, dir string) (caCrt, caKey, srvCrt, srvKey, cliCrt, cliKey string) {
	t.Helper()
	caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "clusternode-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
	caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
	caCrt = filepath.Join(dir, "ca.crt")
	caKey = filepath.Join(dir, "ca.key")
	writePEM(t, caCrt, "CERTIFICATE", caDER)
	writePEM(t, caKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPriv))

	makeLeaf := func(cn, crtName, keyName string, isClient bool) (string, string) {
		priv, _ := rsa.GenerateKey(rand.Reader, 2048)
		tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}
		if isClient {
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		} else {
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		}
		tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
		der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
		crtPath := filepath.Join(dir, crtName)
		keyPath := filepath.Join(dir, keyName)
		writePEM(t, crtPath, "CERTIFICATE", der)
		writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
		return crtPath, keyPath
	}

	srvCrt, srvKey = makeLeaf("clusternode-server", "server.crt", "server.key", false)
	cliCrt, cliKey = makeLeaf("clusternode-client", "client.crt", "client.key", true)
	return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		t.Fatalf("pem encode %s: %v", path, err)
	}
}
