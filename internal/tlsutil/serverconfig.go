package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/dskow/llm-gateway/internal/config"
)

// ServerConfig builds the tls.Config for the gateway listener. Certificates
// come from a KeypairReloader so rotations apply without a restart; callers
// stop the returned reloader on shutdown.
func ServerConfig(cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, *KeypairReloader, error) {
	reloader, err := NewKeypairReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}

	minVersion, err := minTLSVersion(cfg.MinVersion)
	if err != nil {
		reloader.Stop()
		return nil, nil, err
	}

	return &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     minVersion,
	}, reloader, nil
}

// minTLSVersion maps the config's "1.2"/"1.3" strings onto tls constants.
func minTLSVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min_version %q", s)
	}
}
