package tlsconfig

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGeneratedCertsHandshake generates a CA and key pairs and runs an mTLS
// handshake over loopback TCP.
func TestGeneratedCertsHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateCerts(dir, time.Hour))

	serverConf, err := LoadServerTLSConfig(ServerFiles(dir))
	require.NoError(t, err)
	clientConf, err := LoadClientTLSConfig(ClientFiles(dir))
	require.NoError(t, err)
	require.Equal(t, "localhost", clientConf.ServerName)

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverConf)
	require.NoError(t, err)
	defer lis.Close()

	errs := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errs <- err
			return
		}
		defer conn.Close()
		errs <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), clientConf)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-errs)
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := LoadServerTLSConfig(ServerFiles(t.TempDir()))
	require.Error(t, err)
	_, err = LoadClientTLSConfig(ClientFiles(t.TempDir()))
	require.Error(t, err)
}
