package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnvFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.env")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadEnvFileSingleQuotedValues(t *testing.T) {
	path := writeEnvFile(t,
		"SINGLE='value with spaces'",
		"HASHED='value # with hash'",
		"COMMENT='value' # inline comment should be ignored",
		"# comment line should be ignored",
	)

	values, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile returned error: %v", err)
	}

	if got, want := values["SINGLE"], "value with spaces"; got != want {
		t.Fatalf("single-quoted value mismatch: got %q want %q", got, want)
	}
	if got, want := values["HASHED"], "value # with hash"; got != want {
		t.Fatalf("single-quoted hash value mismatch: got %q want %q", got, want)
	}
	if got, want := values["COMMENT"], "value"; got != want {
		t.Fatalf("single-quoted comment value mismatch: got %q want %q", got, want)
	}
}

func TestLoadEnvFileQuotedValuesWithInlineComments(t *testing.T) {
	path := writeEnvFile(t,
		"DOUBLE=\"value\" # inline comment",
		"DOUBLE_ESCAPED=\"value with \\\"quote\\\"\" # another comment",
		"export SINGLE='value' # trailing comment",
		"PLAIN=bare # end comment",
	)

	values, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile returned error: %v", err)
	}

	if got, want := values["DOUBLE"], "value"; got != want {
		t.Fatalf("double-quoted inline comment mismatch: got %q want %q", got, want)
	}
	if got, want := values["DOUBLE_ESCAPED"], "value with \"quote\""; got != want {
		t.Fatalf("double-quoted escaped value mismatch: got %q want %q", got, want)
	}
	if got, want := values["SINGLE"], "value"; got != want {
		t.Fatalf("exported single-quoted value mismatch: got %q want %q", got, want)
	}
	if got, want := values["PLAIN"], "bare"; got != want {
		t.Fatalf("unquoted value mismatch: got %q want %q", got, want)
	}
}

func TestLoadEnvFileExpandsReferences(t *testing.T) {
	t.Setenv("PIPEWAIT_ENVFILE_BASE", "/srv")
	path := writeEnvFile(t,
		"DATA_DIR=${PIPEWAIT_ENVFILE_BASE}/data",
		"LITERAL='${PIPEWAIT_ENVFILE_BASE}'",
	)

	values, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile returned error: %v", err)
	}
	if got := values["DATA_DIR"]; got != "/srv/data" {
		t.Fatalf("expected expansion, got %q", got)
	}
	if got := values["LITERAL"]; got != "${PIPEWAIT_ENVFILE_BASE}" {
		t.Fatalf("single quotes must not expand, got %q", got)
	}
}

func TestLoadEnvFileErrors(t *testing.T) {
	cases := map[string]string{
		"missing separator": "JUSTAKEY",
		"empty key":         "=value",
		"unmatched double":  "A=\"open",
		"unmatched single":  "A='open",
		"trailing garbage":  "A='x' y",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadEnvFile(writeEnvFile(t, line)); err == nil {
				t.Fatalf("expected error for %q", line)
			}
		})
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
