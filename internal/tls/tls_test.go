package tls

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "tls")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	invalidPEM := filepath.Join(dir, "invalid.pem")
	require.NoError(t, ioutil.WriteFile(invalidPEM, []byte("not a certificate"), 0600))

	tests := []struct {
		name    string
		caCert  string
		tlsCert string
		tlsKey  string
		nilConf bool
		err     bool
	}{
		{
			name:    "no tls",
			nilConf: true,
		},
		{
			name:   "missing ca certificate",
			caCert: filepath.Join(dir, "missing.pem"),
			err:    true,
		},
		{
			name:   "invalid ca certificate",
			caCert: invalidPEM,
			err:    true,
		},
		{
			name:   "key without certificate",
			tlsKey: invalidPEM,
			err:    true,
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			conf, err := ClientConfig(tst.caCert, tst.tlsCert, tst.tlsKey)
			if tst.err {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.nilConf, conf == nil)
		})
	}
}
