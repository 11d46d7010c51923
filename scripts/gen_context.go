package main

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Emits project_context.json: a machine-readable inventory of the
// runtime's packages, their public surface, and search keywords. Tooling
// and editors consume it; regenerate after structural changes:
//
//	go run ./scripts
type ProjectContext struct {
	Project        string                `json:"project"`
	Description    string                `json:"description"`
	Packages       map[string]PackageDoc `json:"packages"`
	SearchKeywords []string              `json:"search_keywords"`
	BuildSystem    map[string]string     `json:"build_system"`
}

type PackageDoc struct {
	Dir      string   `json:"dir"`
	Files    int      `json:"files"`
	Exported []string `json:"exported"`
}

var skipDirs = map[string]bool{
	"_examples": true,
	".git":      true,
	"scripts":   true,
}

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	ctx := ProjectContext{
		Project:     "OpenCoarrays",
		Description: "PGAS coarray runtime: one-sided transfers, image synchronization, collectives, events, locks, and failed-image recovery over pluggable transports.",
		Packages:    map[string]PackageDoc{},
		BuildSystem: map[string]string{
			"test_all":    "go test ./...",
			"vet":         "go vet ./...",
			"node_binary": "go build ./cmd/caf-node",
			"load_test":   "go run ./test",
		},
	}

	keywords := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			return nil
		}
		doc := ctx.Packages[file.Name.Name]
		doc.Dir = filepath.Dir(path)
		doc.Files++
		for _, obj := range file.Scope.Objects {
			name := obj.Name
			if name[0] >= 'A' && name[0] <= 'Z' {
				doc.Exported = append(doc.Exported, name)
				keywords[strings.ToLower(name)] = true
			}
		}
		ctx.Packages[file.Name.Name] = doc
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "walk failed:", err)
		os.Exit(1)
	}

	for name, doc := range ctx.Packages {
		sort.Strings(doc.Exported)
		ctx.Packages[name] = doc
	}
	for kw := range keywords {
		ctx.SearchKeywords = append(ctx.SearchKeywords, kw)
	}
	sort.Strings(ctx.SearchKeywords)

	out, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal failed:", err)
		os.Exit(1)
	}
	if err := os.WriteFile("project_context.json", out, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write failed:", err)
		os.Exit(1)
	}
	fmt.Printf("project_context.json: %d packages, %d keywords\n",
		len(ctx.Packages), len(ctx.SearchKeywords))
}
