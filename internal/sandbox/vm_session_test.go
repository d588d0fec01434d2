package sandbox

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer runs guest commands on the host through sh, standing in
// for the shell of a booted VM.
type testSSHServer struct {
	t        *testing.T
	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
}

func newTestSSHServer(t *testing.T, password string) *testSSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)
	return &testSSHServer{t: t, config: config}
}

func (s *testSSHServer) listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return nil
}

func (s *testSSHServer) close() {
	if s.listener != nil {
		s.listener.Close()
		s.wg.Wait()
	}
}

func (s *testSSHServer) serve(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *testSSHServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	var cmd *exec.Cmd
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			cmd = exec.Command("sh", "-c", payload.Command)
			cmd.Stdin = channel
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			if err := cmd.Start(); err != nil {
				req.Reply(false, nil)
				channel.Close()
				continue
			}
			req.Reply(true, nil)
			go func(cmd *exec.Cmd) {
				status := 0
				if err := cmd.Wait(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						status = exitErr.ExitCode()
					}
				}
				if status < 0 {
					status = 255
				}
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
				channel.Close()
			}(cmd)
		case "signal":
			var payload struct{ Signal string }
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil && cmd != nil && cmd.Process != nil {
				switch ssh.Signal(payload.Signal) {
				case ssh.SIGINT:
					cmd.Process.Signal(syscall.SIGINT)
				case ssh.SIGKILL:
					cmd.Process.Signal(syscall.SIGKILL)
				}
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshLauncher "boots" a VM by starting the test SSH server on the
// instance's forwarded port.
func newSSHLauncher(t *testing.T, password string) *fakeLauncher {
	launcher := newFakeLauncher()
	servers := map[string]*testSSHServer{}
	var mu sync.Mutex
	launcher.onLaunch = func(inst *VMInstance) error {
		server := newTestSSHServer(t, password)
		if err := server.listen(inst.Address()); err != nil {
			return err
		}
		mu.Lock()
		servers[inst.ID] = server
		mu.Unlock()
		return nil
	}
	launcher.onTerminate = func(inst *VMInstance) {
		mu.Lock()
		server := servers[inst.ID]
		delete(servers, inst.ID)
		mu.Unlock()
		if server != nil {
			server.close()
		}
	}
	return launcher
}

func newVMTestFactory(t *testing.T) (*Factory, VMConfig, *fakeLauncher) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	stubQemuImg(t)
	cfg := testVMConfig(t)
	cfg.GuestWorkdir = t.TempDir()
	launcher := newSSHLauncher(t, cfg.SSHPassword)

	factory, err := NewFactory(Config{
		Backend:        BackendVM,
		Interpreter:    []string{"sh"},
		InterruptGrace: 200 * time.Millisecond,
		VM:             cfg,
	}, discardLogger(), WithVMLauncher(launcher))
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	return factory, cfg, launcher
}

func TestVMSessionExecuteOverSSH(t *testing.T) {
	factory, cfg, launcher := newVMTestFactory(t)

	s := factory.Create(5*time.Second, &Identity{TaskID: 1, UserID: 2})
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	runDir := filepath.Join(cfg.RunDir, s.ID())

	result, err := s.Execute(context.Background(), "echo hello\necho state > marker", true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stdout != "hello\n" || result.Stderr != "" {
		t.Fatalf("unexpected result %#v", result)
	}

	follow, err := s.Execute(context.Background(), "cat marker", true)
	if err != nil || follow.Stdout != "state\n" {
		t.Fatalf("guest workdir not shared across fragments: %#v, %v", follow, err)
	}

	_, err = s.Execute(context.Background(), "echo out; echo oops >&2", true)
	var invalid *CodeInvalidError
	if !errors.As(err, &invalid) || invalid.Stdout != "out\n" || invalid.Stderr != "oops\n" {
		t.Fatalf("expected CodeInvalidError, got %v", err)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(runDir); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("run dir still present after release: %v", err)
	}
	if len(launcher.terminated) != 1 {
		t.Fatalf("expected vm termination, got %v", launcher.terminated)
	}
}

func TestVMSessionTimeoutInterruptsOverTransport(t *testing.T) {
	factory, _, _ := newVMTestFactory(t)

	err := WithSession(context.Background(), factory, 300*time.Millisecond, nil, discardLogger(), func(s Session) error {
		result, err := s.Execute(context.Background(), "echo started\nwhile :; do :; done", true)
		if err != nil {
			return err
		}
		if !result.TimedOut || !strings.Contains(result.Stderr, "0.3") {
			t.Errorf("unexpected timeout result %#v", result)
		}
		if !strings.Contains(result.Stdout, "started") {
			t.Errorf("partial stdout lost: %q", result.Stdout)
		}

		next, err := s.Execute(context.Background(), "echo again", true)
		if err != nil {
			return err
		}
		if next.Stdout != "again\n" {
			t.Errorf("session unusable after timeout: %#v", next)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
}

func TestVMSessionBootFailure(t *testing.T) {
	stubQemuImg(t)
	cfg := testVMConfig(t)
	cfg.BootTimeout = time.Second
	// The launcher reports a running VM but nothing listens on the port.
	launcher := newFakeLauncher()

	factory, err := NewFactory(Config{Backend: BackendVM, VM: cfg}, discardLogger(), WithVMLauncher(launcher))
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	s := factory.Create(time.Second, nil)
	err = s.Acquire(context.Background())
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) || provErr.Stage != "boot" {
		t.Fatalf("expected boot provisioning error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(cfg.RunDir, s.ID())); !errors.Is(statErr, fs.ErrNotExist) {
		t.Fatalf("failed acquire left run dir: %v", statErr)
	}
	if len(launcher.terminated) != 1 {
		t.Fatalf("failed acquire should terminate the vm, got %v", launcher.terminated)
	}
}

func TestHostKeyPin(t *testing.T) {
	newKey := func() ssh.PublicKey {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		key, err := ssh.NewPublicKey(pub)
		if err != nil {
			t.Fatalf("public key: %v", err)
		}
		return key
	}
	first, second := newKey(), newKey()
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

	pin := &hostKeyPin{}
	if err := pin.check("guest", addr, first); err != nil {
		t.Fatalf("first key should be trusted: %v", err)
	}
	if err := pin.check("guest", addr, first); err != nil {
		t.Fatalf("same key should be accepted: %v", err)
	}
	if err := pin.check("guest", addr, second); err == nil {
		t.Fatal("changed key must be rejected")
	}
	if pin.fingerprint() != ssh.FingerprintSHA256(first) {
		t.Fatalf("unexpected fingerprint %q", pin.fingerprint())
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"":            "''",
		"plain":       "'plain'",
		"it's":        `'it'\''s'`,
		"/tmp/a b":    "'/tmp/a b'",
		"$(rm -rf /)": "'$(rm -rf /)'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
	if got := shellJoin([]string{"python3", "-I"}); got != "'python3' '-I'" {
		t.Fatalf("unexpected join %q", got)
	}
}

func TestAuthorizedKeyFor(t *testing.T) {
	if key, err := authorizedKeyFor(""); err != nil || key != "" {
		t.Fatalf("empty path should yield no key, got %q, %v", key, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	key, err := authorizedKeyFor(path)
	if err != nil {
		t.Fatalf("authorized key: %v", err)
	}
	if !strings.HasPrefix(key, "ssh-ed25519 ") {
		t.Fatalf("unexpected authorized key %q", key)
	}
}
