package queue

import (
	"strings"
	"testing"

	"github.com/arvindsha/forgeloop"
)

func TestClassifyMode(t *testing.T) {
	tests := []struct {
		name string
		task forgeloop.Task
		want forgeloop.Mode
	}{
		{
			name: "hint overrides everything",
			task: forgeloop.Task{
				Type:     forgeloop.TaskCode,
				Input:    forgeloop.Input{Goal: "implement the parser"},
				Metadata: forgeloop.Metadata{ModeHint: "docs"},
			},
			want: forgeloop.ModeDocs,
		},
		{
			name: "code type with structure",
			task: forgeloop.Task{
				Type:           forgeloop.TaskCode,
				Input:          forgeloop.Input{Goal: "Greeter"},
				OutputContract: &forgeloop.OutputContract{ExpectedFiles: []string{"src/main/java/Greeter.java"}},
			},
			want: forgeloop.ModeCode,
		},
		{
			name: "code and doc signals clarify",
			task: forgeloop.Task{
				Input: forgeloop.Input{Goal: "please implement and explain the algorithm step-by-step"},
			},
			want: forgeloop.ModeClarify,
		},
		{
			name: "doc only",
			task: forgeloop.Task{
				Type:  forgeloop.TaskDoc,
				Input: forgeloop.Input{Goal: "describe how the retry policy behaves over many attempts in detail"},
			},
			want: forgeloop.ModeDocs,
		},
		{
			name: "planner only",
			task: forgeloop.Task{
				Type:  forgeloop.TaskPlan,
				Input: forgeloop.Input{Goal: "outline a migration roadmap for the persistence layer over several quarters"},
			},
			want: forgeloop.ModePlanner,
		},
		{
			name: "short conversational goal on CODE type",
			task: forgeloop.Task{
				Type:  forgeloop.TaskCode,
				Input: forgeloop.Input{Goal: "how are you today"},
			},
			want: forgeloop.ModeChat,
		},
		{
			name: "default chat",
			task: forgeloop.Task{Input: forgeloop.Input{Goal: "hello there"}},
			want: forgeloop.ModeChat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMode(tt.task); got != tt.want {
				t.Fatalf("ClassifyMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClarifyMessageQuotesGoal(t *testing.T) {
	msg := ClarifyMessage(forgeloop.Task{Input: forgeloop.Input{Goal: "build and explain"}})
	if !strings.Contains(msg, `"build and explain"`) {
		t.Fatalf("message = %q", msg)
	}
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"src/main/java/App.java", "src/main/java/App.java"},
		{"./src\\App.java", "src/App.java"},
		{"../../etc/passwd", "etc/passwd"},
		{"a/./b/../c.txt", "a/b/c.txt"},
		{"", "output.txt"},
		{"..", "output.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeRelPath(tt.in); got != tt.want {
			t.Errorf("SanitizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractFilesMarkerPairs(t *testing.T) {
	text := "Here you go.\n" +
		"File: src/main/java/Greeter.java\n" +
		"```java\npublic class Greeter {}\n```\n" +
		"File: pom.xml\n" +
		"```xml\n<project/>\n```\n"
	files := ExtractFiles(text)
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if files["src/main/java/Greeter.java"] != "public class Greeter {}\n" {
		t.Fatalf("java content = %q", files["src/main/java/Greeter.java"])
	}
	if files["pom.xml"] != "<project/>\n" {
		t.Fatalf("pom content = %q", files["pom.xml"])
	}
}

func TestExtractFilesInlineHint(t *testing.T) {
	text := "```\nFile: notes/readme.md\n# hi\n```\n"
	files := ExtractFiles(text)
	if files["notes/readme.md"] != "# hi\n" {
		t.Fatalf("files = %v", files)
	}
}

func TestExtractFilesRejectsTraversal(t *testing.T) {
	text := "File: ../../escape.java\n```java\nclass X {}\n```\n"
	files := ExtractFiles(text)
	for rel := range files {
		if strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") {
			t.Fatalf("unsafe path extracted: %q", rel)
		}
	}
	if _, ok := files["escape.java"]; !ok {
		t.Fatalf("sanitized path missing: %v", files)
	}
}

func TestDetectRequestedComponents(t *testing.T) {
	goal := "Create the repository, service and REST controller for the customer table"
	got := detectRequestedComponents(goal)
	want := []string{"repository", "service", "controller"}
	if len(got) != len(want) {
		t.Fatalf("components = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("components = %v, want %v", got, want)
		}
	}
	if inferDomainEntity(goal) != "Customer" {
		t.Fatalf("entity = %q", inferDomainEntity(goal))
	}
}

func TestComponentCoverageAndPlaceholders(t *testing.T) {
	components := []string{"repository", "service", "controller"}
	files := map[string]string{
		"src/main/java/com/x/repository/CustomerRepository.java": "class CustomerRepository {}",
		"src/main/java/com/x/service/CustomerService.java":       "class CustomerService {}",
	}
	_, missing := componentCoverage(files, components)
	if len(missing) != 1 || missing[0] != "controller" {
		t.Fatalf("missing = %v", missing)
	}

	rel, cls := defaultComponentPath("controller", nil, "java", "Customer", "src/main/java/com/x")
	if rel != "src/main/java/com/x/controller/CustomerController.java" || cls != "CustomerController" {
		t.Fatalf("placeholder path = %q class = %q", rel, cls)
	}
	placeholder := generatePlaceholderComponent("controller", cls, rel, "java")
	if !strings.Contains(placeholder, "package com.x.controller;") ||
		!strings.Contains(placeholder, "public class CustomerController") {
		t.Fatalf("placeholder = %q", placeholder)
	}
}

func TestDetectComponentFromCode(t *testing.T) {
	components := []string{"repository", "service", "controller"}
	if got := detectComponentFromCode("@Service\npublic class FooService {}", components); got != "service" {
		t.Fatalf("annotation detection = %q", got)
	}
	if got := detectComponentFromCode("public class OrderRepository {}", components); got != "repository" {
		t.Fatalf("suffix detection = %q", got)
	}
}

func TestBuildCodePromptConvention(t *testing.T) {
	task := forgeloop.Task{
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "java",
			Goal:     "Write a class Greeter with a greet(name) method",
		},
		OutputContract: &forgeloop.OutputContract{ExpectedFiles: []string{"src/main/java/com/acme/Greeter.java"}},
	}
	prompt := buildPrompt(task, forgeloop.ModeCode, promptContext{})
	for _, want := range []string{
		"'File: relative/path.ext'",
		"Package: com.acme",
		"ClassName: Greeter",
		"senior java engineer",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptMultiComponentMandatoryFiles(t *testing.T) {
	task := forgeloop.Task{
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "java",
			Goal:     "Generate the repository and service for the order entity",
		},
	}
	prompt := buildPrompt(task, forgeloop.ModeCode, promptContext{})
	if !strings.Contains(prompt, "MANDATORY FILES:") {
		t.Fatalf("multi-component section missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "OrderRepository.java") {
		t.Fatalf("mandatory repository file missing:\n%s", prompt)
	}
}

func TestDuelScore(t *testing.T) {
	cfg := DefaultDuelConfig()
	fast := forgeloop.CandidateResult{Success: true, TestPass: true, LatencyMs: 1000}
	slow := forgeloop.CandidateResult{Success: true, TestPass: true, LatencyMs: 30000}
	if duelScore(fast, 0, cfg) <= duelScore(slow, 0, cfg) {
		t.Fatal("latency penalty not applied")
	}
	failed := forgeloop.CandidateResult{Success: false, LatencyMs: 1000}
	if duelScore(fast, 0, cfg) <= duelScore(failed, 0, cfg) {
		t.Fatal("success weight not applied")
	}
}

func TestTotScoreWeights(t *testing.T) {
	w := defaultTotWeights()
	full := forgeloop.CandidateResult{CompilePass: true, TestPass: true, LatencyMs: 100}
	partial := forgeloop.CandidateResult{CompilePass: true, LatencyMs: 100}
	if totScore(full, true, true, w) <= totScore(partial, false, false, w) {
		t.Fatal("quality gates not weighted")
	}
}
