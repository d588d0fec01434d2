package arch

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]Architecture{
		"amd64":   X86_64,
		" X86_64": X86_64,
		"386":     I686,
		"i586":    I686,
		"arm64":   "",
		"":        "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRejectsUnsupported(t *testing.T) {
	if _, err := Parse("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
	a, err := Parse("amd64")
	if err != nil || !a.IsValid() {
		t.Fatalf("unexpected parse result %q, %v", a, err)
	}
}

func TestQEMUSystemBinary(t *testing.T) {
	if got := X86_64.QEMUSystemBinary(); got != "qemu-system-x86_64" {
		t.Fatalf("unexpected binary %q", got)
	}
	if got := I686.QEMUSystemBinary(); got != "qemu-system-i386" {
		t.Fatalf("unexpected binary %q", got)
	}
}

func TestAccelerated(t *testing.T) {
	if !X86_64.Accelerated(X86_64) || !I686.Accelerated(X86_64) {
		t.Fatal("x86 guests should be accelerated on x86_64 hosts")
	}
	if X86_64.Accelerated(I686) || X86_64.Accelerated("") {
		t.Fatal("x86_64 guests cannot be accelerated on other hosts")
	}
}
