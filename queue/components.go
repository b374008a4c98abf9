package queue

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/internal/javatool"
	"github.com/arvindsha/forgeloop/sandbox"
)

// Component vocabulary: how a multi-component request names each layer,
// where its files belong, and how generated code betrays which layer it
// implements.
var (
	componentOrder = []string{"repository", "service", "controller", "entity", "dto"}

	componentSynonyms = map[string][]string{
		"repository": {"repository", "repositories", "repo interface", "data access object", "dao"},
		"service":    {"service", "services", "application service"},
		"controller": {"controller", "controllers", "rest controller", "rest controllers", "api controller"},
		"entity":     {"entity", "entities", "domain entity"},
		"dto":        {"dto", "dtos", "data transfer object", "data transfer objects"},
	}

	componentFolders = map[string]string{
		"repository": "repository",
		"service":    "service",
		"controller": "controller",
		"entity":     "entity",
		"dto":        "dto",
	}

	componentKeywords = map[string][]string{
		"repository": {"repository", "repositories", "repo", "dao"},
		"service":    {"service", "services"},
		"controller": {"controller", "controllers"},
		"entity":     {"entity", "entities", "model"},
		"dto":        {"dto", "dtos"},
	}

	componentAnnotations = map[string][]string{
		"repository": {"@repository", "@jdbcrepository"},
		"service":    {"@service"},
		"controller": {"@restcontroller", "@controller"},
		"entity":     {"@entity", "@table"},
		"dto":        {"@value", "@data"},
	}

	componentClassHints = map[string][]string{
		"repository": {"repository", "dao"},
		"service":    {"service"},
		"controller": {"controller", "resource"},
		"entity":     {"entity", "model"},
		"dto":        {"dto"},
	}
)

var typeNameRx = regexp.MustCompile(`\b(?:class|interface|record)\s+([A-Z][A-Za-z0-9_]*)`)

// detectRequestedComponents scans the goal for component synonyms and
// returns the matched components in canonical order.
func detectRequestedComponents(goal string) []string {
	goalLower := strings.ToLower(goal)
	var found []string
	for _, label := range componentOrder {
		for _, variant := range componentSynonyms[label] {
			if strings.Contains(goalLower, variant) {
				found = append(found, label)
				break
			}
		}
	}
	return found
}

// inferComponentFromPath maps a generated path to the component its
// directory names imply.
func inferComponentFromPath(rel string) string {
	relLower := strings.ToLower(rel)
	for _, component := range componentOrder {
		folder := componentFolders[component]
		if strings.Contains(relLower, "/"+folder+"/") ||
			strings.HasSuffix(relLower, "/"+folder) ||
			strings.HasSuffix(relLower, "/"+folder+".java") {
			return component
		}
	}
	return ""
}

func extractTypeName(code string) string {
	if m := typeNameRx.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return ""
}

// detectComponentFromCode identifies which requested component a code
// block implements, by annotation first, then class-name suffix, then
// keyword presence.
func detectComponentFromCode(code string, components []string) string {
	codeLower := strings.ToLower(code)
	for _, component := range components {
		for _, marker := range componentAnnotations[component] {
			if strings.Contains(codeLower, marker) {
				return component
			}
		}
	}
	typeLower := strings.ToLower(extractTypeName(code))
	for _, component := range components {
		for _, suffix := range componentClassHints[component] {
			if suffix != "" && strings.HasSuffix(typeLower, suffix) {
				return component
			}
		}
	}
	for _, component := range components {
		for _, keyword := range componentClassHints[component] {
			if keyword != "" && strings.Contains(codeLower, keyword) {
				return component
			}
		}
	}
	return ""
}

var (
	wordRx     = regexp.MustCompile(`[a-z0-9]+`)
	titleCaser = cases.Title(language.English)
)

func pascalCase(word string) string {
	parts := wordRx.FindAllString(strings.ToLower(word), -1)
	if len(parts) == 0 {
		return "Domain"
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(titleCaser.String(p))
	}
	return b.String()
}

var (
	tableRx  = regexp.MustCompile(`\b([\w]+)\s+table\b`)
	entityRx = []*regexp.Regexp{
		regexp.MustCompile(`\b([\w]+)\s+entity\b`),
		regexp.MustCompile(`\b([\w]+)\s+model\b`),
		regexp.MustCompile(`\b([\w]+)\s+resource\b`),
	}
	commonEntities = []string{"user", "customer", "account", "order", "product", "task", "item", "project"}
)

// inferDomainEntity guesses the domain noun the request revolves around,
// used to name placeholder classes.
func inferDomainEntity(goal string) string {
	goalLower := strings.ToLower(goal)
	if m := tableRx.FindStringSubmatch(goalLower); m != nil {
		return pascalCase(m[1])
	}
	for _, rx := range entityRx {
		if m := rx.FindStringSubmatch(goalLower); m != nil {
			return pascalCase(m[1])
		}
	}
	for _, name := range commonEntities {
		if strings.Contains(goalLower, name) {
			return pascalCase(name)
		}
	}
	return "Domain"
}

func componentClassName(baseEntity, component string) string {
	suffixes := map[string]string{
		"repository": "Repository",
		"service":    "Service",
		"controller": "Controller",
		"entity":     "",
		"dto":        "Dto",
	}
	suffix, ok := suffixes[component]
	if !ok {
		suffix = strings.ToUpper(component[:1]) + component[1:]
	}
	return baseEntity + suffix
}

var languageExtensions = map[string]string{
	"java": "java", "kotlin": "kt", "python": "py", "typescript": "ts",
	"javascript": "js", "csharp": "cs", "go": "go",
}

func extensionForLanguage(language string) string {
	if ext, ok := languageExtensions[strings.ToLower(language)]; ok {
		return ext
	}
	return "txt"
}

func fenceForLanguage(language string) string {
	if _, ok := languageExtensions[strings.ToLower(language)]; ok {
		return "```" + strings.ToLower(language)
	}
	return "```"
}

var defaultBasePaths = map[string]string{
	"java":       "src/main/java/com/example/demo",
	"kotlin":     "src/main/kotlin/com/example",
	"python":     "app",
	"typescript": "src",
	"javascript": "src",
	"csharp":     "src",
	"go":         "internal",
}

// inferBasePath picks the directory multi-component files share: an
// explicitly detected base wins, then the directory of the first pathful
// candidate, then a per-language default.
func inferBasePath(candidates []string, language, preferredBase string) string {
	if preferredBase != "" {
		return preferredBase
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if i := strings.LastIndex(c, "/"); i > 0 {
			return c[:i]
		}
	}
	if base, ok := defaultBasePaths[strings.ToLower(language)]; ok {
		return base
	}
	return "src"
}

// detectExistingJavaBase probes the task's repo slice for an existing
// src/main/java/<pkg> tree so generated files land inside the package
// the project already uses. The deepest declared package wins.
func detectExistingJavaBase(fs *sandbox.FS, t forgeloop.Task) string {
	baseRel := normalizeRepoRel(t.Input.Repo.Path)
	repoRoot, ok := fs.Resolve(relOrDot(baseRel))
	if !ok {
		return ""
	}
	javaRoot := filepath.Join(repoRoot, "src", "main", "java")
	if info, err := os.Stat(javaRoot); err != nil || !info.IsDir() {
		return ""
	}

	var candidates []string
	count := 0
	_ = filepath.WalkDir(javaRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".java") {
			return nil
		}
		count++
		if count > 400 {
			return filepath.SkipAll
		}
		if pkg := readPackageLine(p); pkg != "" {
			candidates = append(candidates, "src/main/java/"+strings.ReplaceAll(pkg, ".", "/"))
		}
		return nil
	})
	if len(candidates) == 0 {
		var sample string
		_ = filepath.WalkDir(javaRoot, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(p, ".java") {
				return nil
			}
			sample = p
			return filepath.SkipAll
		})
		if sample != "" {
			if rel, err := filepath.Rel(repoRoot, filepath.Dir(sample)); err == nil {
				return filepath.ToSlash(rel)
			}
		}
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := strings.Count(candidates[i], "/"), strings.Count(candidates[j], "/")
		if di != dj {
			return di > dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0]
}

// readPackageLine returns the package declared in the first 30 lines of
// a Java file.
func readPackageLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for i := 0; i < 30 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "package ") {
			pkg := strings.TrimPrefix(line, "package ")
			pkg, _, _ = strings.Cut(pkg, ";")
			return strings.TrimSpace(pkg)
		}
	}
	return ""
}

func fileMatchesComponent(stem, component string) bool {
	stemLower := strings.ToLower(stem)
	for _, keyword := range componentKeywords[component] {
		if strings.Contains(stemLower, keyword) {
			return true
		}
	}
	return false
}

// applyComponentDirectoryHints moves files whose names betray a
// component into that component's folder under the base path, when they
// are not already inside one.
func applyComponentDirectoryHints(files map[string]string, components []string, language string, baseCandidates []string, preferredBase string) map[string]string {
	if len(files) == 0 || len(components) == 0 {
		return files
	}
	basePath := inferBasePath(baseCandidates, language, preferredBase)
	adjusted := make(map[string]string, len(files))
	for rel, data := range files {
		newRel := rel
		relLower := strings.ToLower(rel)
		stem := strings.TrimSuffix(path.Base(rel), path.Ext(rel))
		for _, component := range components {
			folder := componentFolders[component]
			if segmentPresent(relLower, folder) {
				continue
			}
			if !fileMatchesComponent(stem, component) {
				continue
			}
			destDir := basePath
			if destDir == "" || destDir == "." {
				destDir = folder
			} else if !strings.HasSuffix(strings.ToLower(destDir), folder) {
				destDir = destDir + "/" + folder
			}
			newRel = SanitizeRelPath(destDir + "/" + path.Base(rel))
			break
		}
		adjusted[newRel] = data
	}
	return adjusted
}

func segmentPresent(relLower, folder string) bool {
	for _, seg := range strings.Split(relLower, "/") {
		if seg == folder {
			return true
		}
	}
	return strings.HasPrefix(relLower, folder+"/") || strings.Contains(relLower, "/"+folder+"/")
}

// assignComponentBlocks maps unlabeled code blocks to component files by
// inspecting the code itself: one file per detected component.
func assignComponentBlocks(rawOutput string, components []string, language string, baseCandidates []string, baseEntity, preferredBase string) map[string]string {
	blocks := extractCodeBlocks(rawOutput)
	if len(blocks) == 0 || len(components) == 0 {
		return nil
	}
	basePath := inferBasePath(baseCandidates, language, preferredBase)
	ext := extensionForLanguage(language)
	assigned := map[string]string{}
	used := map[string]bool{}
	for _, b := range blocks {
		code := strings.TrimSpace(b.body)
		if code == "" {
			continue
		}
		component := detectComponentFromCode(code, components)
		if component == "" || used[component] {
			continue
		}
		className := extractTypeName(code)
		if className == "" {
			className = componentClassName(baseEntity, component)
		}
		folder := componentFolders[component]
		rel := folder + "/" + className + "." + ext
		if basePath != "" && basePath != "." {
			rel = basePath + "/" + rel
		}
		if !strings.HasSuffix(code, "\n") {
			code += "\n"
		}
		assigned[SanitizeRelPath(rel)] = code
		used[component] = true
	}
	return assigned
}

// rebaseComponentPaths moves component files under an existing source
// tree base, recording each adjustment in notes.
func rebaseComponentPaths(files map[string]string, preferredBase string, components []string, notes *[]string) map[string]string {
	if preferredBase == "" || len(components) == 0 {
		return files
	}
	base := strings.TrimRight(preferredBase, "/")
	rebased := make(map[string]string, len(files))
	for rel, data := range files {
		newRel := rel
		if component := inferComponentFromPath(rel); component != "" && contains(components, component) {
			folder := componentFolders[component]
			newRel = SanitizeRelPath(base + "/" + folder + "/" + path.Base(rel))
			if notes != nil && newRel != rel {
				*notes = append(*notes, fmt.Sprintf("Adjusted %s -> %s to match existing package layout", rel, newRel))
			}
		}
		if existing, ok := rebased[newRel]; ok {
			if len(data) > len(existing) {
				rebased[newRel] = data
			}
		} else {
			rebased[newRel] = data
		}
	}
	return rebased
}

// defaultComponentPath picks the path and class name for a placeholder
// covering a missing component.
func defaultComponentPath(component string, baseCandidates []string, language, baseEntity, preferredBase string) (string, string) {
	basePath := inferBasePath(baseCandidates, language, preferredBase)
	folder := componentFolders[component]
	className := componentClassName(baseEntity, component)
	ext := extensionForLanguage(language)
	rel := folder + "/" + className + "." + ext
	if basePath != "" && basePath != "." {
		rel = basePath + "/" + folder + "/" + className + "." + ext
	}
	return SanitizeRelPath(rel), className
}

// generatePlaceholderComponent emits a minimal source file for a
// component the model failed to cover, so the archive still compiles and
// the gap is visible.
func generatePlaceholderComponent(component, className, relPath, language string) string {
	if strings.ToLower(language) == "java" {
		pkg := javaPackageFromPath(relPath)
		var b strings.Builder
		if pkg != "" {
			b.WriteString("package " + pkg + ";\n\n")
		}
		b.WriteString("public class " + className + " {\n")
		b.WriteString("    // TODO: implement generated logic\n")
		b.WriteString("}\n")
		return b.String()
	}
	return fmt.Sprintf("# TODO: implement %s component (%s)\n", component, className)
}

func javaPackageFromPath(rel string) string {
	for _, prefix := range []string{"src/main/java/", "src/test/java/"} {
		if strings.HasPrefix(rel, prefix) {
			tail := strings.TrimPrefix(rel, prefix)
			if !strings.Contains(tail, "/") {
				return ""
			}
			dir := tail[:strings.LastIndex(tail, "/")]
			return strings.ReplaceAll(dir, "/", ".")
		}
	}
	return ""
}

// componentCoverage reports which requested components the file map
// covers, by path and by name, and which are missing.
func componentCoverage(files map[string]string, components []string) (map[string]bool, []string) {
	coverage := make(map[string]bool, len(components))
	for _, c := range components {
		coverage[c] = false
	}
	for rel := range files {
		relLower := strings.ToLower(rel)
		stem := strings.TrimSuffix(path.Base(rel), path.Ext(rel))
		for _, component := range components {
			folder := componentFolders[component]
			if strings.Contains(relLower, "/"+folder+"/") || strings.HasPrefix(relLower, folder+"/") ||
				strings.HasSuffix(relLower, "/"+folder) || relLower == folder {
				coverage[component] = true
				continue
			}
			if fileMatchesComponent(stem, component) {
				coverage[component] = true
				continue
			}
			for _, keyword := range componentKeywords[component] {
				if strings.Contains(relLower, keyword) {
					coverage[component] = true
					break
				}
			}
		}
	}
	var missing []string
	for _, c := range components {
		if !coverage[c] {
			missing = append(missing, c)
		}
	}
	return coverage, missing
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// normalizeRepoRel reduces a repo path to a workspace-relative form.
func normalizeRepoRel(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(cleaned, "./") {
		cleaned = cleaned[2:]
	}
	cleaned = strings.TrimLeft(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "."
	}
	return cleaned
}

func relOrDot(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

// derivePkgClass re-exports the javatool helper under the name the
// prompt builder uses.
func derivePkgClass(rel string) (string, string) {
	return javatool.DerivePkgClass(rel)
}
