// Package tls builds the TLS client configuration of the backend
// connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/pkg/errors"
)

// ClientConfig returns the TLS configuration for the given CA certificate
// and client key-pair. It returns nil when none of the files is set.
func ClientConfig(caCert, tlsCert, tlsKey string) (*tls.Config, error) {
	if caCert == "" && tlsCert == "" && tlsKey == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if caCert != "" {
		rawCACert, err := ioutil.ReadFile(caCert)
		if err != nil {
			return nil, errors.Wrap(err, "load ca certificate error")
		}

		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(rawCACert) {
			return nil, errors.Errorf("append ca certificate error: %s", caCert)
		}
		tlsConfig.RootCAs = certPool
	}

	if tlsCert != "" || tlsKey != "" {
		kp, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key-pair error")
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
