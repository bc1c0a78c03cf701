package sftp

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/alexhunt7/ssher"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/b1naryth1ef/ferry/session"
)

// clientConfig resolves the ssh configuration for host. Aliases and
// identity files come from ~/.ssh/config; explicit credentials take
// precedence.
func clientConfig(host *session.Host, creds session.Credentials) (*ssh.ClientConfig, string, error) {
	cfg, hostPort, err := ssher.ClientConfig(host.Hostname, "")
	if err != nil {
		cfg = &ssh.ClientConfig{}
		hostPort = host.Address()
	}
	if host.Port != 0 {
		h, _, splitErr := net.SplitHostPort(hostPort)
		if splitErr != nil {
			h = host.Hostname
		}
		hostPort = net.JoinHostPort(h, fmt.Sprint(host.Port))
	}

	if creds.Username != "" {
		cfg.User = creds.Username
	}
	if cfg.User == "" {
		return nil, "", fmt.Errorf("no user for %s", host.Hostname)
	}

	switch {
	case creds.KeyFile != "":
		signer, err := loadKey(creds.KeyFile, creds.Password)
		if err != nil {
			return nil, "", err
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case creds.Password != "":
		cfg.Auth = append([]ssh.AuthMethod{ssh.Password(creds.Password)}, cfg.Auth...)
	}

	callback, err := hostKeyCallback(host)
	if err != nil {
		return nil, "", err
	}
	cfg.HostKeyCallback = callback
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg, hostPort, nil
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pem)
}

// hostKeyCallback verifies against known_hosts unless the host opts out
// with the insecure option.
func hostKeyCallback(host *session.Host) (ssh.HostKeyCallback, error) {
	if host.Option("insecure", "false") == "true" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := host.Option("known_hosts", "")
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}

// OpenSSH dials hostPort and performs the ssh handshake.
func OpenSSH(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
