// Package javatool holds the Java source fix-ups applied to generated
// and uploaded files: package-line rewriting derived from the file's
// location under src/main/java, and renaming a file to match its public
// type.
package javatool

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	packageLineRx = regexp.MustCompile(`^\s*package\s+([a-zA-Z0-9_.]+)\s*;\s*$`)
	typeNameRx    = regexp.MustCompile(`(?m)^\s*(?:public\s+)?(?:class|interface|enum|record)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// ExpectedPackage derives the package a file at relPath should declare.
// Returns ("", false) when the path holds no java source-root segment,
// and ("", true) for a file directly under the source root (default
// package).
func ExpectedPackage(relPath string) (string, bool) {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	idx := -1
	for i, p := range parts {
		if p == "java" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	pkgParts := parts[idx+1 : len(parts)-1]
	return strings.Join(pkgParts, "."), true
}

// DerivePkgClass splits a relative .java path into the package and class
// name hints injected into code-mode prompts. Paths without a java
// source root fall back to directory-derived packages with src/main
// stripped.
func DerivePkgClass(relPath string) (pkg, class string) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(relPath), "/"), "/")
	if len(parts) == 0 {
		return "", "Main"
	}
	class = strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(parts[len(parts)-1]))
	if expected, ok := ExpectedPackage(relPath); ok {
		return expected, class
	}
	var pkgParts []string
	for _, p := range parts[:len(parts)-1] {
		if p == "src" || p == "main" {
			continue
		}
		pkgParts = append(pkgParts, p)
	}
	return strings.Join(pkgParts, "."), class
}

// FixPackage rewrites path's package declaration to match its location.
// Non-.java paths and unreadable files are left untouched.
func FixPackage(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".java") {
		return
	}
	expected, ok := ExpectedPackage(path)
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	text := string(data)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	pkgIdx := -1
	currentPkg := ""
	for i, line := range lines {
		if m := packageLineRx.FindStringSubmatch(line); m != nil {
			pkgIdx = i
			currentPkg = m[1]
			break
		}
	}

	if expected == "" {
		if pkgIdx < 0 {
			return
		}
		lines = append(lines[:pkgIdx], lines[pkgIdx+1:]...)
		if pkgIdx < len(lines) && strings.TrimSpace(lines[pkgIdx]) == "" {
			lines = append(lines[:pkgIdx], lines[pkgIdx+1:]...)
		}
	} else {
		packageLine := "package " + expected + ";"
		if pkgIdx >= 0 {
			if currentPkg == expected {
				return
			}
			lines[pkgIdx] = packageLine
		} else {
			insert := 0
			for insert < len(lines) {
				s := strings.TrimSpace(lines[insert])
				if s == "" || strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/*") || strings.HasPrefix(s, "*") {
					insert++
					continue
				}
				break
			}
			rest := append([]string{packageLine, ""}, lines[insert:]...)
			lines = append(lines[:insert], rest...)
		}
	}

	out := strings.Join(lines, "\n")
	if trailingNewline && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_ = os.WriteFile(path, []byte(out), 0o644)
}

// FixFilename renames path so the file name matches its first declared
// type (public or not), returning the (possibly unchanged) final path.
func FixFilename(path string) string {
	if !strings.EqualFold(filepath.Ext(path), ".java") {
		return path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	m := typeNameRx.FindSubmatch(data)
	if m == nil {
		return path
	}
	expectedName := string(m[1]) + ".java"
	if filepath.Base(path) == expectedName {
		return path
	}
	newPath := filepath.Join(filepath.Dir(path), expectedName)

	if strings.EqualFold(filepath.Base(path), expectedName) {
		// Case-only rename: go through a temp name so case-insensitive
		// filesystems do not treat it as a no-op.
		tmp := filepath.Join(filepath.Dir(path), string(m[1])+"__tmp__.java")
		os.Remove(tmp)
		if err := os.Rename(path, tmp); err != nil {
			return path
		}
		os.Remove(newPath)
		if err := os.Rename(tmp, newPath); err != nil {
			return tmp
		}
		return newPath
	}
	os.Remove(newPath)
	if err := os.Rename(path, newPath); err != nil {
		return path
	}
	return newPath
}

// Sanitize strips fence lines and URL-ish noise from generated Java and
// forces the package line to match relPath.
func Sanitize(code, relPath string) string {
	var cleaned []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "for more information") ||
			strings.HasPrefix(lower, "status ") ||
			strings.HasPrefix(lower, "error ") ||
			strings.HasPrefix(lower, "warning ") {
			continue
		}
		cleaned = append(cleaned, line)
	}
	body := strings.TrimSpace(strings.Join(cleaned, "\n"))

	pkgExpected, _ := DerivePkgClass(relPath)
	var out []string
	sawPkg := false
	for _, line := range strings.Split(body, "\n") {
		if packageLineRx.MatchString(line) {
			sawPkg = true
			if pkgExpected != "" {
				out = append(out, "package "+pkgExpected+";")
				continue
			}
		}
		out = append(out, line)
	}
	result := strings.Join(out, "\n")
	if pkgExpected != "" && !sawPkg {
		result = "package " + pkgExpected + ";\n" + result
	}
	return strings.TrimSpace(result) + "\n"
}
