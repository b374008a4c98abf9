package queue

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/sandbox"
)

// logTailBytes caps the stdout/stderr tails carried on a candidate
// result.
const logTailBytes = 2000

// buildResult is the outcome of one validation run.
type buildResult struct {
	CompilePass bool
	TestPass    bool
	StdoutTail  string
	StderrTail  string
	Tool        string
}

// buildAndTestJava validates a Java candidate tree: the Gradle wrapper
// when present, else Maven, scaffolding a minimal Maven project with one
// trivially-passing test when no build descriptor exists.
func buildAndTestJava(ctx context.Context, workdir string, timeout time.Duration) buildResult {
	if _, err := os.Stat(filepath.Join(workdir, "gradlew")); err == nil {
		res := runGradle(ctx, workdir, timeout)
		res.Tool = "gradle"
		return res
	}
	if _, err := os.Stat(filepath.Join(workdir, "pom.xml")); err == nil {
		res := runMaven(ctx, workdir, timeout)
		res.Tool = "maven"
		return res
	}
	writeMinimalMavenProject(workdir)
	res := runMaven(ctx, workdir, timeout)
	res.Tool = "maven-scaffolded"
	return res
}

func runGradle(ctx context.Context, workdir string, timeout time.Duration) buildResult {
	_ = os.Chmod(filepath.Join(workdir, "gradlew"), 0o755)
	res, err := sandbox.Exec(ctx, []string{"./gradlew", "-q", "--no-daemon", "clean", "test"}, workdir, timeout)
	if err != nil {
		return buildResult{StderrTail: tail(err.Error())}
	}
	// Gradle returns non-zero if either compile or test fails.
	pass := res.ReturnCode == 0
	return buildResult{
		CompilePass: pass,
		TestPass:    pass,
		StdoutTail:  tail(res.Stdout),
		StderrTail:  tail(res.Stderr),
	}
}

func runMaven(ctx context.Context, workdir string, timeout time.Duration) buildResult {
	res, err := sandbox.Exec(ctx, []string{"mvn", "-q", "-DskipITs", "test"}, workdir, timeout)
	if err != nil {
		return buildResult{StderrTail: tail(err.Error())}
	}
	pass := res.ReturnCode == 0
	return buildResult{
		CompilePass: pass,
		TestPass:    pass,
		StdoutTail:  tail(res.Stdout),
		StderrTail:  tail(res.Stderr),
	}
}

const minimalPom = `<project xmlns="http://maven.apache.org/POM/4.0.0"
         xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
         xsi:schemaLocation="http://maven.apache.org/POM/4.0.0 http://maven.apache.org/xsd/maven-4.0.0.xsd">
  <modelVersion>4.0.0</modelVersion>
  <groupId>com.acme</groupId>
  <artifactId>demo</artifactId>
  <version>0.0.1</version>
  <properties>
    <maven.compiler.source>17</maven.compiler.source>
    <maven.compiler.target>17</maven.compiler.target>
    <project.build.sourceEncoding>UTF-8</project.build.sourceEncoding>
    <junit.version>5.10.2</junit.version>
  </properties>
  <dependencies>
    <dependency>
      <groupId>org.junit.jupiter</groupId>
      <artifactId>junit-jupiter</artifactId>
      <version>${junit.version}</version>
      <scope>test</scope>
    </dependency>
  </dependencies>
  <build>
    <plugins>
      <plugin>
        <groupId>org.apache.maven.plugins</groupId>
        <artifactId>maven-surefire-plugin</artifactId>
        <version>3.2.5</version>
        <configuration>
          <useModulePath>false</useModulePath>
        </configuration>
      </plugin>
    </plugins>
  </build>
</project>
`

const smokeTest = `package com.acme;
import org.junit.jupiter.api.Test;
import static org.junit.jupiter.api.Assertions.assertTrue;
public class SmokeTest {
    @Test public void ok() { assertTrue(true); }
}
`

// writeMinimalMavenProject scaffolds a pom and one trivially-passing
// test so "mvn test" exercises whatever sources the candidate produced.
func writeMinimalMavenProject(root string) {
	_ = os.WriteFile(filepath.Join(root, "pom.xml"), []byte(minimalPom), 0o644)
	testDir := filepath.Join(root, "src", "test", "java", "com", "acme")
	_ = os.MkdirAll(testDir, 0o755)
	_ = os.WriteFile(filepath.Join(testDir, "SmokeTest.java"), []byte(smokeTest), 0o644)
}

// runQualityChecks runs the optional lint and smoke validations used by
// the tree-of-thought scorer: ruff over any Python sources and pytest
// when a tests directory exists.
func runQualityChecks(ctx context.Context, mergeRoot string, smokeEnabled bool) (lintPass, smokePass bool) {
	if mergeRoot == "" {
		return false, false
	}
	if hasSuffixUnder(mergeRoot, ".py") {
		res, err := sandbox.Exec(ctx, []string{"ruff", "."}, mergeRoot, 90*time.Second)
		lintPass = err == nil && res.ReturnCode == 0
	}
	if smokeEnabled {
		if info, err := os.Stat(filepath.Join(mergeRoot, "tests")); err == nil && info.IsDir() {
			res, err := sandbox.Exec(ctx, []string{"pytest", "-q"}, mergeRoot, 120*time.Second)
			smokePass = err == nil && res.ReturnCode == 0
		}
	}
	return lintPass, smokePass
}

func hasSuffixUnder(root, suffix string) bool {
	found := false
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(p) == suffix {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// tail returns the trailing logTailBytes of s.
func tail(s string) string {
	if len(s) <= logTailBytes {
		return s
	}
	return s[len(s)-logTailBytes:]
}

// candidateReward maps validation outcomes onto the fixed reward scale
// persisted to the bandit aggregate: 1.0 test pass, 0.5 compile-only,
// 0.0 otherwise.
func candidateReward(res forgeloop.CandidateResult) float64 {
	switch {
	case res.TestPass:
		return 1.0
	case res.CompilePass:
		return 0.5
	default:
		return 0.0
	}
}
