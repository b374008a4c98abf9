package javatool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDerivePkgClass(t *testing.T) {
	tests := []struct {
		rel   string
		pkg   string
		class string
	}{
		{"src/main/java/com/acme/demo/Greeter.java", "com.acme.demo", "Greeter"},
		{"src/main/java/Greeter.java", "", "Greeter"},
		{"app/util/Helper.java", "app.util", "Helper"},
		{"Main.java", "", "Main"},
	}
	for _, tt := range tests {
		pkg, class := DerivePkgClass(tt.rel)
		if pkg != tt.pkg || class != tt.class {
			t.Errorf("DerivePkgClass(%q) = (%q, %q), want (%q, %q)", tt.rel, pkg, class, tt.pkg, tt.class)
		}
	}
}

func TestFixPackageRewrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src", "main", "java", "com", "acme", "Greeter.java")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	src := "package wrong.pkg;\n\npublic class Greeter {}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	FixPackage(path)
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "package com.acme;") {
		t.Fatalf("package not rewritten: %q", data)
	}
}

func TestFixPackageInsertsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src", "main", "java", "com", "acme", "Greeter.java")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("// header\npublic class Greeter {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	FixPackage(path)
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "package com.acme;") {
		t.Fatalf("package not inserted: %q", data)
	}
	if !strings.HasPrefix(string(data), "// header") {
		t.Fatalf("leading comment displaced: %q", data)
	}
}

func TestFixFilenameRenames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Wrong.java")
	if err := os.WriteFile(path, []byte("public class Greeter {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := FixFilename(path)
	if filepath.Base(got) != "Greeter.java" {
		t.Fatalf("renamed to %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "Greeter.java")); err != nil {
		t.Fatal("target file missing after rename")
	}
}

func TestSanitizeStripsFencesAndForcesPackage(t *testing.T) {
	code := "```java\npackage wrong.pkg;\npublic class Greeter {\n}\n```\nhttps://example.com/docs\n"
	out := Sanitize(code, "src/main/java/com/acme/Greeter.java")
	if strings.Contains(out, "```") || strings.Contains(out, "https://") {
		t.Fatalf("noise survived: %q", out)
	}
	if !strings.HasPrefix(out, "package com.acme;") {
		t.Fatalf("package not forced: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("missing trailing newline")
	}
}

func TestSanitizeAddsMissingPackage(t *testing.T) {
	out := Sanitize("public class Greeter {}\n", "src/main/java/com/acme/Greeter.java")
	if !strings.HasPrefix(out, "package com.acme;") {
		t.Fatalf("package not prepended: %q", out)
	}
}
