package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// startBastion runs a minimal SSH server that only forwards direct-tcpip channels.
func startBastion(t *testing.T, authorized xssh.PublicKey) (addr string, hostKey xssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveBastionConn(conn, cfg)
		}
	}()
	return l.Addr().String(), signer.PublicKey()
}

func serveBastionConn(conn net.Conn, cfg *xssh.ServerConfig) {
	_, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(xssh.UnknownChannelType, "only direct-tcpip")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := xssh.Unmarshal(nc.ExtraData(), &target); err != nil {
			_ = nc.Reject(xssh.ConnectionFailed, err.Error())
			continue
		}
		up, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			_ = nc.Reject(xssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			up.Close()
			continue
		}
		go xssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			defer up.Close()
			done := make(chan struct{}, 2)
			go func() { _, _ = io.Copy(up, ch); done <- struct{}{} }()
			go func() { _, _ = io.Copy(ch, up); done <- struct{}{} }()
			<-done
		}()
	}
}

func TestClientThroughTunnel(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(keyPath)
	require.NoError(t, err)
	clientKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	require.NoError(t, err)

	bastion, hostKey := startBastion(t, clientKey)
	knownHosts := filepath.Join(dir, "known_hosts")
	require.NoError(t, AppendKnownHost(knownHosts, bastion, string(xssh.MarshalAuthorizedKey(hostKey))))

	hub := newHub(t, 4)
	ts := httptest.NewServer((&Server{Hub: hub}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tunnel, err := DialTunnel(ctx, SSHConfig{Addr: bastion, User: "cosim", KeyPath: keyPath, KnownHosts: knownHosts, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer tunnel.Close()

	c, err := NewClient(ts.URL, WithDialer(tunnel.DialContext), WithPollWait(100*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, c.Send(ctx, api.CommandMessage(api.CommandEnd), "orchestrator.in"))
	got, err := c.Receive(ctx, "orchestrator.in")
	require.NoError(t, err)
	assert.Equal(t, api.CommandEnd, got.Command)
}

func TestTunnelRejectsUnknownHost(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(keyPath)
	require.NoError(t, err)
	clientKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	require.NoError(t, err)
	bastion, _ := startBastion(t, clientKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = DialTunnel(ctx, SSHConfig{
		Addr: bastion, User: "cosim", KeyPath: keyPath,
		KnownHosts: filepath.Join(dir, "known_hosts"), Timeout: 2 * time.Second,
	})
	assert.Error(t, err, "empty known_hosts must not trust the bastion")
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "nested", "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	require.NoError(t, AppendKnownHost(kh, "example.com", pub))

	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.Contains(t, string(b), "example.com ssh-ed25519 ")

	_, err = LoadKnownHostsCallback(kh)
	assert.NoError(t, err)
}

func TestLoadPrivateKeySigner(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(keyPath)
	require.NoError(t, err)

	signer, err := LoadPrivateKeySigner(keyPath)
	require.NoError(t, err)
	assert.Equal(t, pub, string(xssh.MarshalAuthorizedKey(signer.PublicKey())))

	_, err = LoadPrivateKeySigner(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
