// Package validation holds repository checks run from CI.
package validation

import (
	"errors"
	"fmt"
	"go/ast"
	"go/types"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// CodeWritePath marks a store mutation reached from outside the engine.
const CodeWritePath = "WRITEPATH001"

// WritePathPolicy restricts who may call the store's mutating methods.
// Every document write must pass through the engine so that a history
// record follows it; a direct store call would commit a write the ledger
// never sees.
type WritePathPolicy struct {
	// StorePackages are the import paths that declare store types.
	StorePackages []string
	// Methods are the mutating method names to police.
	Methods []string
	// AllowedCallers are import path prefixes permitted to call Methods.
	AllowedCallers []string
}

// DefaultWritePathPolicy polices the docledger module rooted at modulePath.
func DefaultWritePathPolicy(modulePath string) WritePathPolicy {
	return WritePathPolicy{
		StorePackages: []string{
			modulePath + "/pkg/domain",
			modulePath + "/internal/infra/persistence",
		},
		Methods: []string{
			"InsertDocument", "CompareAndSwap", "CompareAndDelete", "AppendHistory",
			"InsertDocumentWithHistory", "CompareAndSwapWithHistory", "CompareAndDeleteWithHistory",
		},
		AllowedCallers: []string{
			modulePath + "/internal/core",
			modulePath + "/internal/infra/persistence",
		},
	}
}

func (p WritePathPolicy) polices(method string) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (p WritePathPolicy) isStorePackage(path string) bool {
	return hasPathPrefix(path, p.StorePackages)
}

func (p WritePathPolicy) allows(caller string) bool {
	return hasPathPrefix(caller, p.AllowedCallers)
}

func hasPathPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// ValidateWritePaths loads the packages matched by patterns relative to dir
// and reports every call to a policed store method made from a package the
// policy does not allow. Test files are not loaded.
func ValidateWritePaths(dir string, patterns []string, policy WritePathPolicy) ([]Error, error) {
	if len(policy.Methods) == 0 || len(policy.StorePackages) == 0 {
		return nil, errors.New("write path policy needs store packages and methods")
	}
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes | packages.NeedTypesInfo,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	var loadErrs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			loadErrs = append(loadErrs, e.Error())
		}
	})
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("package errors: %s", strings.Join(loadErrs, "; "))
	}

	var violations []Error
	for _, pkg := range pkgs {
		if policy.allows(pkg.PkgPath) {
			continue
		}
		violations = append(violations, scanPackage(pkg, dir, policy)...)
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File != violations[j].File {
			return violations[i].File < violations[j].File
		}
		return violations[i].Line < violations[j].Line
	})
	return violations, nil
}

func scanPackage(pkg *packages.Package, dir string, policy WritePathPolicy) []Error {
	var out []Error
	for _, file := range pkg.Syntax {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok || !policy.polices(sel.Sel.Name) {
				return true
			}
			selection, ok := pkg.TypesInfo.Selections[sel]
			if !ok || selection.Kind() != types.MethodVal {
				return true
			}
			fn, ok := selection.Obj().(*types.Func)
			if !ok || fn.Pkg() == nil || !policy.isStorePackage(fn.Pkg().Path()) {
				return true
			}
			pos := pkg.Fset.Position(call.Pos())
			file := pos.Filename
			if rel, err := filepath.Rel(dir, file); err == nil {
				file = filepath.ToSlash(rel)
			}
			out = append(out, Error{
				File:    file,
				Line:    pos.Line,
				Code:    CodeWritePath,
				Message: fmt.Sprintf("%s calls %s.%s directly; route writes through the engine", pkg.PkgPath, fn.Pkg().Name(), fn.Name()),
			})
			return true
		})
	}
	return out
}
