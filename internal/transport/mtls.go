package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig loads the server TLS configuration from environment variables
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("COSIM_TLS_CERT"),
		ServerKey:    os.Getenv("COSIM_TLS_KEY"),
		ClientCACert: os.Getenv("COSIM_TLS_CLIENT_CA"),
		RequireAuth:  os.Getenv("COSIM_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// ConfigureTLS builds the server TLS configuration with optional client verification.
func ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA certificate required for mTLS")
		}
		pool, err := loadPool(config.ClientCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// ClientTLSConfig builds a client TLS configuration trusting caCert and presenting
// the optional client certificate.
func ClientTLSConfig(caCert, clientCert, clientKey string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		pool, err := loadPool(caCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if clientCert != "" || clientKey != "" {
		cert, err := tls.LoadX509KeyPair(clientCert, clientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// LoadClientTLSConfig reads COSIM_TLS_CA, COSIM_TLS_CLIENT_CERT and COSIM_TLS_CLIENT_KEY.
// It returns nil when none is set.
func LoadClientTLSConfig() (*tls.Config, error) {
	ca, cert, key := os.Getenv("COSIM_TLS_CA"), os.Getenv("COSIM_TLS_CLIENT_CERT"), os.Getenv("COSIM_TLS_CLIENT_KEY")
	if ca == "" && cert == "" && key == "" {
		return nil, nil
	}
	return ClientTLSConfig(ca, cert, key)
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

// MTLSMiddleware rejects requests without a client certificate when requireAuth is set
// and records the peer identity on the request.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the channels over TLS, verifying clients when configured.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeTLS(l, tlsConfig, config.RequireAuth)
}

// ServeTLS serves on l with tlsConfig.
func (s *Server) ServeTLS(l net.Listener, tlsConfig *tls.Config, requireAuth bool) error {
	srv := s.newHTTPServer(l.Addr().String())
	srv.Handler = MTLSMiddleware(requireAuth)(srv.Handler)
	srv.TLSConfig = tlsConfig
	log.Info().Str("addr", l.Addr().String()).Bool("mtls_required", requireAuth).Msg("serving channels with TLS")
	return ignoreClosed(srv.ServeTLS(l, "", ""))
}
