package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"text/template"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/runbox/internal/logging"
)

//go:embed default_domain.xml
var defaultDomain string

const domainNamePrefix = "runbox-"

// LibvirtLauncher boots each VM as a transient libvirt domain. Domains are
// started with auto-destroy, so they die with the launcher's connection
// even if teardown never runs.
type LibvirtLauncher struct {
	cfg    VMConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *libvirt.Connect
}

var _ VMLauncher = (*LibvirtLauncher)(nil)

type domainTemplateData struct {
	Type     string
	Arch     string
	Name     string
	MemoryMB int
	VCPUs    int
	Emulator string
	Overlay  string
	Seed     string
	Console  string
	Port     int
}

func NewLibvirtLauncher(cfg VMConfig, logger *slog.Logger) *LibvirtLauncher {
	cfg.applyDefaults()
	return &LibvirtLauncher{cfg: cfg, logger: logging.Ensure(logger)}
}

func (l *LibvirtLauncher) Launch(ctx context.Context, inst *VMInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	emulator, err := exec.LookPath(l.cfg.QEMUBinary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", l.cfg.QEMUBinary, err)
	}

	domainType := "qemu"
	if kvmAvailable(l.cfg) {
		domainType = "kvm"
	}
	domainXML, err := renderDomainXML(defaultDomain, buildDomainTemplateData(l.cfg, inst, domainType, emulator))
	if err != nil {
		return fmt.Errorf("render domain definition: %w", err)
	}
	domainXMLPath := filepath.Join(inst.RunDir, "domain.xml")
	if err := os.WriteFile(domainXMLPath, domainXML, 0o644); err != nil {
		return fmt.Errorf("write domain definition: %w", err)
	}

	conn, err := l.connection()
	if err != nil {
		return err
	}
	domain, err := conn.DomainCreateXML(string(domainXML), libvirt.DOMAIN_START_AUTODESTROY)
	if err != nil {
		return fmt.Errorf("create domain %s: %w", domainName(inst), err)
	}
	defer domain.Free()

	l.logger.Debug("libvirt domain started", "vm", inst.ID, "domain", domainName(inst), "definition", domainXMLPath)
	return nil
}

func (l *LibvirtLauncher) Alive(inst *VMInstance) bool {
	conn, err := l.connection()
	if err != nil {
		return false
	}
	domain, err := conn.LookupDomainByName(domainName(inst))
	if err != nil {
		return false
	}
	defer domain.Free()
	active, err := domain.IsActive()
	return err == nil && active
}

func (l *LibvirtLauncher) Terminate(inst *VMInstance) error {
	conn, err := l.connection()
	if err != nil {
		return err
	}
	name := domainName(inst)

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	destroyErr := domain.Destroy()
	domain.Free()
	if destroyErr != nil && !isInLibvirtErrors(destroyErr, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
		return fmt.Errorf("destroy domain %s: %w", name, destroyErr)
	}

	// Transient domains disappear once destroyed.
	remaining, err := conn.LookupDomainByName(name)
	if err == nil {
		remaining.Free()
		return fmt.Errorf("domain %s still defined after destroy", name)
	}
	if !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
		return fmt.Errorf("confirm domain %s removal: %w", name, err)
	}
	l.logger.Debug("libvirt domain destroyed", "vm", inst.ID, "domain", name)
	return nil
}

// Close drops the hypervisor connection, which auto-destroys any domain
// still running.
func (l *LibvirtLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *LibvirtLauncher) connection() (*libvirt.Connect, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		if alive, err := l.conn.IsAlive(); err == nil && alive {
			return l.conn, nil
		}
		l.conn.Close()
		l.conn = nil
	}
	conn, err := libvirt.NewConnect(l.cfg.ConnectionURI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", l.cfg.ConnectionURI, err)
	}
	l.conn = conn
	return conn, nil
}

func domainName(inst *VMInstance) string {
	return domainNamePrefix + inst.ID
}

func buildDomainTemplateData(cfg VMConfig, inst *VMInstance, domainType, emulator string) domainTemplateData {
	return domainTemplateData{
		Type:     domainType,
		Arch:     xmlEscape(cfg.Arch),
		Name:     xmlEscape(domainName(inst)),
		MemoryMB: cfg.MemoryMB,
		VCPUs:    cfg.VCPUs,
		Emulator: xmlEscape(emulator),
		Overlay:  xmlEscape(inst.OverlayPath),
		Seed:     xmlEscape(inst.SeedPath),
		Console:  xmlEscape(filepath.Join(inst.RunDir, "console.log")),
		Port:     inst.Port,
	}
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}

	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}

	return slices.Contains(codes, libErr.Code)
}
