package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 15 * time.Second

// hostKeyPin trusts the first host key it sees and rejects any other key
// for the rest of the session.
type hostKeyPin struct {
	mu  sync.Mutex
	key ssh.PublicKey
}

func (p *hostKeyPin) check(hostname string, _ net.Addr, key ssh.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == nil {
		p.key = key
		return nil
	}
	if !bytes.Equal(p.key.Marshal(), key.Marshal()) {
		return fmt.Errorf("host key for %s changed (%s)", hostname, ssh.FingerprintSHA256(key))
	}
	return nil
}

func (p *hostKeyPin) fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == nil {
		return ""
	}
	return ssh.FingerprintSHA256(p.key)
}

func sshClientConfig(cfg VMConfig, pin *hostKeyPin) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if cfg.SSHKeyPath != "" {
		signer, err := loadSigner(cfg.SSHKeyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.SSHPassword != "" {
		methods = append(methods, ssh.Password(cfg.SSHPassword))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}
	return &ssh.ClientConfig{
		User:            cfg.SSHUser,
		Auth:            methods,
		HostKeyCallback: pin.check,
		Timeout:         defaultSSHDialTimeout,
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %q: %w", path, err)
	}
	return signer, nil
}

// authorizedKeyFor returns the authorized_keys line for the private key at
// path, or "" when no key is configured.
func authorizedKeyFor(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	signer, err := loadSigner(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// Connect waits for the guest's SSH service and returns an authenticated
// client. It gives up when the boot timeout passes, ctx ends or the
// hypervisor exits.
func (m *VMManager) Connect(ctx context.Context, inst *VMInstance) (*ssh.Client, error) {
	pin := &hostKeyPin{}
	config, err := sshClientConfig(m.Config, pin)
	if err != nil {
		return nil, &ProvisioningError{Backend: BackendVM, Stage: "ssh config", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.Config.BootTimeout)
	defer cancel()

	logger := m.logger.With("vm", inst.ID, "ssh_address", inst.Address())
	backoff := 500 * time.Millisecond
	attempts := 0
	var lastErr error
	for {
		attempts++
		if !m.launcher.Alive(inst) {
			return nil, &ProvisioningError{Backend: BackendVM, Stage: "boot", Err: errors.New("hypervisor exited before the guest became reachable")}
		}

		client, err := dialSSH(ctx, inst.Address(), config)
		if err == nil {
			inst.State = VMReachable
			logger.Info("guest reachable", "attempts", attempts, "host_key", pin.fingerprint())
			return client, nil
		}
		lastErr = err
		logger.Debug("guest not reachable yet", "attempt", attempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, &ProvisioningError{
				Backend: BackendVM,
				Stage:   "boot",
				Err:     fmt.Errorf("guest unreachable after %d attempts: %w", attempts, errors.Join(ctx.Err(), lastErr)),
			}
		case <-time.After(backoff):
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
}

func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(sshHandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// runRemote runs a short housekeeping command and returns its combined
// output.
func runRemote(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()
	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("run %q: %w (output: %s)", command, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}
