// Package project guesses a checkout's toolchain from marker files.
package project

import (
	"os"
	"path/filepath"
)

type Kind string

const (
	Go      Kind = "go"
	Node    Kind = "node"
	Python  Kind = "python"
	Rust    Kind = "rust"
	Java    Kind = "java"
	Ruby    Kind = "ruby"
	Unknown Kind = "unknown"
)

// Rule matches when any of its marker files exists at the top of the tree.
type Rule struct {
	Kind    Kind
	Markers []string
}

// Rules are tried in order; the first match wins.
var Rules = []Rule{
	{Kind: Go, Markers: []string{"go.mod"}},
	{Kind: Rust, Markers: []string{"Cargo.toml"}},
	{Kind: Node, Markers: []string{"package.json"}},
	{Kind: Python, Markers: []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt", "Pipfile"}},
	{Kind: Java, Markers: []string{"pom.xml", "build.gradle", "build.gradle.kts"}},
	{Kind: Ruby, Markers: []string{"Gemfile"}},
}

func Detect(dir string) Kind { return DetectWith(dir, Rules) }

func DetectWith(dir string, rules []Rule) Kind {
	for _, r := range rules {
		for _, m := range r.Markers {
			if fi, err := os.Stat(filepath.Join(dir, m)); err == nil && !fi.IsDir() {
				return r.Kind
			}
		}
	}
	return Unknown
}
