package recon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResultValidateStatusEnum(t *testing.T) {
	t.Parallel()

	r := &Result{Module: "portscan", Status: Status("bogus")}
	if err := r.Validate(); err == nil {
		t.Fatal("expected invalid status to fail validation")
	}

	r.Status = StatusCompleted
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid result, got %v", err)
	}
}

func TestResultValidateArtifactsMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	existing := filepath.Join(dir, "scan.xml")
	if err := os.WriteFile(existing, []byte("<xml/>"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	r := &Result{Module: "portscan", Status: StatusCompleted, Artifacts: []string{existing}}
	if err := r.Validate(); err != nil {
		t.Fatalf("existing artifact should validate: %v", err)
	}

	r.Artifacts = append(r.Artifacts, filepath.Join(dir, "missing.xml"))
	if err := r.Validate(); err == nil {
		t.Fatal("missing artifact should fail validation")
	}

	r.PruneArtifacts()
	if len(r.Artifacts) != 1 || r.Artifacts[0] != existing {
		t.Fatalf("prune should keep only existing paths: %v", r.Artifacts)
	}
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Example.COM ", "example.com", false},
		{"10.0.0.0/24", "10.0.0.0/24", false},
		{"", "", true},
		{"evil.com; rm -rf /", "", true},
		{"$(whoami).com", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeTarget(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeTarget(%q): expected error", tc.in)
			}
			if !IsValidation(err) {
				t.Errorf("NormalizeTarget(%q): expected ValidationError, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeTarget(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeTarget(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
