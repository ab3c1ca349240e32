package uplink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// TLSFiles names the optional client certificate, key and CA bundle used to
// reach the collector.
type TLSFiles struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

func (f TLSFiles) empty() bool {
	return f.CertPath == "" && f.KeyPath == "" && f.CAPath == ""
}

// LoadTLSConfig builds the client TLS configuration for serverURL. It returns
// nil when no files are configured. Certificate and key must be given together.
func LoadTLSConfig(files TLSFiles, serverURL string) (*tls.Config, error) {
	if files.empty() {
		return nil, nil
	}
	if (files.CertPath == "") != (files.KeyPath == "") {
		return nil, fmt.Errorf("client certificate and key paths must be provided together")
	}

	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("server URL missing hostname")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: parsed.Hostname(),
	}

	if files.CertPath != "" {
		certificate, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if files.CAPath != "" {
		data, err := os.ReadFile(files.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle %q", files.CAPath)
		}
		tlsConfig.RootCAs = roots
	}
	return tlsConfig, nil
}

// NewHTTPClient returns the client used for uploads. tlsConfig may be nil.
func NewHTTPClient(tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			ForceAttemptHTTP2:   true,
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
		},
	}
}
