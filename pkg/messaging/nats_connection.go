package messaging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/nats-io/nats.go"
)

const (
	defaultCertsDir   = "certs"
	defaultClientCert = "client-cert.pem"
	defaultClientKey  = "client-key.pem"
	defaultCACert     = "rootCA.pem"
)

// Connect opens the NATS connection described by cfg. Production connections require mutual TLS.
func Connect(cfg *config.Config, name string) (*nats.Conn, error) {
	if cfg.NATs == nil || cfg.NATs.URL == "" {
		return nil, fmt.Errorf("nats.url is not configured")
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", fmt.Sprint(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed!")
		}),
	}

	if cfg.Environment == config.Production {
		tlsOpts, err := buildTLSOptions(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlsOpts...)
	} else if cfg.NATs.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.NATs.Username, cfg.NATs.Password))
	}

	return nats.Connect(cfg.NATs.URL, opts...)
}

func buildTLSOptions(cfg *config.Config) ([]nats.Option, error) {
	paths := getCertificatePaths(cfg)
	if err := validateCertificateFiles(paths); err != nil {
		return nil, err
	}
	return []nats.Option{
		nats.ClientCert(paths.ClientCert, paths.ClientKey),
		nats.RootCAs(paths.CACert),
		nats.UserInfo(cfg.NATs.Username, cfg.NATs.Password),
	}, nil
}

type certificatePaths struct {
	ClientCert string
	ClientKey  string
	CACert     string
}

// getCertificatePaths falls back to ./certs for anything not configured.
func getCertificatePaths(cfg *config.Config) certificatePaths {
	paths := certificatePaths{}
	if cfg.NATs.TLS != nil {
		paths.ClientCert = cfg.NATs.TLS.ClientCert
		paths.ClientKey = cfg.NATs.TLS.ClientKey
		paths.CACert = cfg.NATs.TLS.CACert
	}
	if paths.ClientCert == "" {
		paths.ClientCert = filepath.Join(".", defaultCertsDir, defaultClientCert)
	}
	if paths.ClientKey == "" {
		paths.ClientKey = filepath.Join(".", defaultCertsDir, defaultClientKey)
	}
	if paths.CACert == "" {
		paths.CACert = filepath.Join(".", defaultCertsDir, defaultCACert)
	}
	return paths
}

func validateCertificateFiles(paths certificatePaths) error {
	for _, f := range []struct{ name, path string }{
		{"client certificate", paths.ClientCert},
		{"client key", paths.ClientKey},
		{"CA certificate", paths.CACert},
	} {
		if _, err := os.Stat(f.path); os.IsNotExist(err) {
			return fmt.Errorf("%s not found at %s", f.name, f.path)
		}
	}
	return nil
}
