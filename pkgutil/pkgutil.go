// Package pkgutil loads Go packages and builds their SSA form for the
// pointer subgraph front-end.
package pkgutil

import (
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// LoadMode requests everything SSA construction needs. Should be equivalent
// to packages.LoadAllSyntax (which is deprecated).
const LoadMode = packages.NeedSyntax | packages.NeedTypesInfo | packages.NeedTypes |
	packages.NeedTypesSizes | packages.NeedImports | packages.NeedName |
	packages.NeedFiles | packages.NeedCompiledGoFiles | packages.NeedDeps

// LoadPackages loads the packages matched by the queries with a default
// configuration.
func LoadPackages(queries ...string) ([]*packages.Package, error) {
	return LoadPackagesWithConfig(&packages.Config{
		Mode:  LoadMode,
		Tests: false,
	}, queries...)
}

// LoadPackagesFromSource type-checks a single-file main package given as a
// string. The file is placed in a fake GOPATH through the overlay mechanism,
// so nothing is written to disk.
func LoadPackagesFromSource(source string) ([]*packages.Package, error) {
	config := &packages.Config{
		Mode:  LoadMode,
		Tests: false,
		Env:   append(os.Environ(), "GO111MODULE=off", "GOPATH=/fake"),
		Overlay: map[string][]byte{
			"/fake/testpackage/main.go": []byte(source),
		},
	}

	return LoadPackagesWithConfig(config, "/fake/testpackage/main.go")
}

// LoadPackagesWithConfig loads the packages matched by the queries and fails
// when any of them comes back with errors.
func LoadPackagesWithConfig(config *packages.Config, queries ...string) ([]*packages.Package, error) {
	pkgs, err := packages.Load(config, queries...)
	switch {
	case err != nil:
		return nil, err
	case packages.PrintErrors(pkgs) > 0:
		return pkgs, fmt.Errorf("errors encountered while loading %d packages", len(pkgs))
	default:
		return pkgs, nil
	}
}

// BuildProgram loads the packages matched by the queries and builds the SSA
// program for them. The returned ssa packages correspond to the loaded ones.
func BuildProgram(config *packages.Config, mode ssa.BuilderMode, queries ...string) (
	*ssa.Program, []*ssa.Package, error) {

	pkgs, err := LoadPackagesWithConfig(config, queries...)
	if err != nil {
		return nil, nil, err
	}

	prog, spkgs := ssautil.AllPackages(pkgs, mode)
	prog.Build()
	return prog, spkgs, nil
}
