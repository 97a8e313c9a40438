// Command psg runs a flow-insensitive pointer analysis over a Go program and
// prints the points-to sets of its registers.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"gopkg.in/yaml.v2"

	"github.com/BarrensZeppelin/psg/internal/maps"
	"github.com/BarrensZeppelin/psg/irgen"
	"github.com/BarrensZeppelin/psg/pkgutil"
)

var (
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
	dir        = flag.String("dir", "", "alternative directory to run the go build tool in")
	configPath = flag.String("config", "psg.yml", "analysis configuration file")
	verbose    = flag.Bool("v", false, "enable debug logging")
)

// fileConfig mirrors the optional psg.yml next to the analysed project.
type fileConfig struct {
	Queries []string `yaml:"queries"`
	Tests   bool     `yaml:"tests"`
	Debug   bool     `yaml:"debug"`
}

func loadFileConfig(path string) fileConfig {
	var cfg fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		// The configuration file is optional.
		return cfg
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("cannot parse %s: %v", path, err)
	}
	return cfg
}

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := loadFileConfig(*configPath)
	if *verbose || cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	queries := flag.Args()
	if len(queries) == 0 {
		queries = cfg.Queries
	}
	if len(queries) == 0 {
		log.Fatal("specify a package query on the command line or in psg.yml")
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Fatalf("failed to close %v: %v", f.Name(), err)
			}
		}()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	prog, _, err := pkgutil.BuildProgram(&packages.Config{
		Mode:  pkgutil.LoadMode,
		Tests: cfg.Tests,
		Dir:   *dir,
	}, ssa.InstantiateGenerics, queries...)
	if err != nil {
		log.Fatalf("loading packages failed: %v", err)
	}

	log.Info("built SSA form")

	res := irgen.Analyze(irgen.Config{Program: prog})

	log.Infof("%d reachable functions", len(res.Reachable))

	funcs := maps.Keys(res.Reachable)
	sort.Slice(funcs, func(i, j int) bool {
		return funcs[i].String() < funcs[j].String()
	})

	for _, fun := range funcs {
		for _, block := range fun.Blocks {
			for _, insn := range block.Instrs {
				v, ok := insn.(ssa.Value)
				if !ok {
					continue
				}

				n := res.Node(v)
				if n == nil || n.PointsTo.Empty() {
					continue
				}

				ptrs := n.PointsTo.Pointers()
				sort.Slice(ptrs, func(i, j int) bool {
					return ptrs[i].String() < ptrs[j].String()
				})
				fmt.Printf("%v: %s = %v\t%v\n", fun, v.Name(), v, ptrs)
			}
		}
	}
}
