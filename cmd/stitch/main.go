// Stitch CLI - compiles patch packs and applies them to method images
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/weftlab/stitch/cache"
	"github.com/weftlab/stitch/engine"
	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/manifest"
	"github.com/weftlab/stitch/patch"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	manifestDir := flag.String("manifest", "", "Directory containing stitch.toml (default: search upward from cwd)")
	imagePath := flag.String("image", "", "Method image to transform (CBOR)")
	outPath := flag.String("o", "", "Write the transformed image here (default: overwrite input)")
	cachePath := flag.String("cache", "", "Descriptor cache database (optional)")
	disasm := flag.Bool("disasm", false, "Print transformed method bodies")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stitch [options]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles the patch pack declared in stitch.toml and applies it to a method image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  stitch -image app.img                     # Patch in place using the nearest stitch.toml\n")
		fmt.Fprintf(os.Stderr, "  stitch -image app.img -o patched.img      # Patch into a new image\n")
		fmt.Fprintf(os.Stderr, "  stitch -image app.img -disasm             # Show the transformed bodies\n")
		fmt.Fprintf(os.Stderr, "  stitch -image app.img -cache stitch.db    # Reuse compiled descriptors across runs\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	if err := run(*manifestDir, *imagePath, *outPath, *cachePath, *disasm, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestDir, imagePath, outPath, cachePath string, disasm, verbose bool) error {
	if imagePath == "" {
		return errors.New("no image given (use -image)")
	}

	var man *manifest.Manifest
	var err error
	if manifestDir != "" {
		man, err = manifest.Load(manifestDir)
	} else {
		man, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return err
	}
	if man == nil {
		return errors.New("no stitch.toml found")
	}

	markers, err := man.Markers()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("cannot read image %s: %w", imagePath, err)
	}
	img, err := cache.UnmarshalImage(data)
	if err != nil {
		return err
	}
	methods, err := img.Decode()
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Loaded %d methods from %s\n", len(methods), imagePath)
	}

	cfg := engine.DefaultConfig()
	if man.Engine.DefaultPriority != 0 {
		cfg.DefaultPriority = man.Engine.DefaultPriority
	}
	if man.Engine.FragmentOwner != "" {
		cfg.FragmentOwner = man.Engine.FragmentOwner
	}
	for _, name := range man.Engine.DisableValidators {
		before := len(cfg.Validators)
		cfg = cfg.WithoutValidator(name)
		if len(cfg.Validators) == before {
			return fmt.Errorf("manifest disables unknown validator %q", name)
		}
	}
	eng := engine.New(cfg)

	descriptors, err := compilePack(eng, man, markers, methods, cache.Fingerprint(data), cachePath, verbose)
	if err != nil {
		return err
	}

	byMethod := make(map[isa.MemberRef][]patch.Descriptor)
	for _, d := range descriptors {
		byMethod[d.Target] = append(byMethod[d.Target], d)
	}

	index := make(map[isa.MemberRef]*isa.Method, len(methods))
	for _, m := range methods {
		index[m.Ref()] = m
	}

	// Deterministic application order across methods.
	refs := make([]isa.MemberRef, 0, len(byMethod))
	for ref := range byMethod {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })

	ctx := context.Background()
	applied := 0
	for _, ref := range refs {
		m, ok := index[ref]
		if !ok {
			return fmt.Errorf("descriptor targets %s but the image has no such method", ref)
		}
		res, err := eng.Apply(ctx, m, byMethod[ref])
		if err != nil {
			return err
		}
		applied += len(res.Applied)
		if verbose {
			fmt.Printf("%s: applied %d, superseded %d, skipped %d (batch %s)\n",
				ref, len(res.Applied), len(res.Superseded), len(res.Skipped), res.BatchID)
		}
		if disasm {
			fmt.Println(m.Disassemble())
		}
	}
	fmt.Printf("Applied %d edits across %d methods\n", applied, len(refs))

	out, err := cache.MarshalImage(cache.WireImage(methods))
	if err != nil {
		return err
	}
	if outPath == "" {
		outPath = imagePath
	}
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return fmt.Errorf("cannot write image %s: %w", outPath, err)
	}
	if verbose {
		fmt.Printf("Wrote %d bytes to %s\n", len(out), outPath)
	}
	return nil
}

// compilePack compiles markers into descriptors, consulting the cache
// when one is configured. Cache entries are keyed by pack name and the
// fingerprint of the input image, so a changed image recompiles.
func compilePack(eng *engine.Engine, man *manifest.Manifest, markers []patch.Marker,
	methods []*isa.Method, fingerprint, cachePath string, verbose bool) ([]patch.Descriptor, error) {

	if cachePath != "" {
		store, err := cache.Open(cachePath)
		if err != nil {
			return nil, err
		}
		defer store.Close()

		if data, err := store.Get(man.Pack.Name, fingerprint); err == nil {
			set, err := cache.UnmarshalDescriptorSet(data)
			if err == nil {
				if descriptors, err := set.Decode(); err == nil {
					if verbose {
						fmt.Printf("Using %d cached descriptors for %s\n", len(descriptors), man.Pack.Name)
					}
					return descriptors, nil
				}
			}
			// A corrupt entry falls through to a fresh compile.
		} else if !errors.Is(err, cache.ErrNotCached) {
			return nil, err
		}

		descriptors, err := compileMarkers(eng, markers, methods)
		if err != nil {
			return nil, err
		}
		data, err := cache.MarshalDescriptorSet(cache.WireDescriptors(man.Pack.Name, descriptors))
		if err != nil {
			return nil, err
		}
		if err := store.Put(man.Pack.Name, fingerprint, data); err != nil {
			return nil, err
		}
		return descriptors, nil
	}

	return compileMarkers(eng, markers, methods)
}

// compileMarkers resolves each marker against the type that declares
// its target method. Types are tried in sorted order, so an ambiguous
// cross-type name resolves the same way on every run.
func compileMarkers(eng *engine.Engine, markers []patch.Marker, methods []*isa.Method) ([]patch.Descriptor, error) {
	tables := patch.TablesFromMethods(methods)
	typeNames := make([]string, 0, len(tables))
	for name := range tables {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	var descriptors []patch.Descriptor
	var failures []error
	for _, mk := range markers {
		var compiled bool
		var lastErrs []error
		for _, name := range typeNames {
			descs, errs := eng.Compile(tables[name], []patch.Marker{mk})
			if len(errs) == 0 && len(descs) == 1 {
				descriptors = append(descriptors, descs[0])
				compiled = true
				break
			}
			lastErrs = errs
		}
		if !compiled {
			if len(lastErrs) > 0 {
				failures = append(failures, lastErrs...)
			} else {
				failures = append(failures, fmt.Errorf("marker %s: target %s not found in any type", mk.Origin, mk.TargetName))
			}
		}
	}
	if len(failures) > 0 {
		for _, err := range failures {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	if len(descriptors) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("no marker compiled (%d failures)", len(failures))
	}
	return descriptors, nil
}
