// Command layout prints the native layouts of C structures declared in YAML
// under each alignment rule and platform.
//
//	layout -f decls.yaml
//	layout -f decls.yaml -platform linux/386,windows/amd64 -rule gnuc,msvc
//	layout -f decls.yaml -json
//	layout -f decls.yaml -jq '.[] | select(.size > 16) | .struct'
//	layout -f decls.yaml -i
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/transcoder"
)

func main() {
	var (
		file        = flag.String("f", "", "YAML file with structure declarations (- for stdin)")
		platforms   = flag.String("platform", "", "Comma-separated platforms (default: all)")
		rules       = flag.String("rule", "", "Comma-separated alignment rules (default: all)")
		asJSON      = flag.Bool("json", false, "Print layouts as JSON")
		query       = flag.String("jq", "", "jq program to run over the JSON layouts")
		interactive = flag.Bool("i", false, "Interactive browser")
		verbose     = flag.Bool("v", false, "Log layout computation")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: layout -f <decls.yaml> [-platform p,...] [-rule r,...] [-json | -jq expr | -i]")
		fmt.Fprintln(os.Stderr, "Platforms:", strings.Join(platformNames(), ", "))
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	err := run(os.Stdout, options{
		file:        *file,
		platforms:   *platforms,
		rules:       *rules,
		json:        *asJSON,
		query:       *query,
		interactive: *interactive,
		styled:      term.IsTerminal(int(os.Stdout.Fd())),
		logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	file        string
	platforms   string
	rules       string
	json        bool
	query       string
	interactive bool
	styled      bool
	logger      *zap.Logger
}

func run(w io.Writer, o options) error {
	in := io.Reader(os.Stdin)
	if o.file != "-" {
		f, err := os.Open(o.file)
		if err != nil {
			return fmt.Errorf("read declarations: %w", err)
		}
		defer f.Close()
		in = f
	}
	decls, err := ParseFile(in)
	if err != nil {
		return err
	}
	ps, err := parsePlatforms(o.platforms)
	if err != nil {
		return err
	}
	rs, err := parseRules(o.rules)
	if err != nil {
		return err
	}
	o.logger.Debug("declarations loaded",
		zap.String("file", o.file),
		zap.Int("structs", len(decls)),
		zap.Int("platforms", len(ps)),
		zap.Int("rules", len(rs)))

	if o.interactive {
		if !o.styled {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(o.file, decls, ps, rs)
	}

	layouts, err := Compute(decls, ps, rs)
	if err != nil {
		return err
	}
	switch {
	case o.query != "":
		return Query(w, layouts, o.query)
	case o.json:
		return WriteJSON(w, layouts)
	}
	WriteText(w, layouts, o.styled)
	return nil
}

func platformNames() []string {
	var names []string
	for _, p := range abi.Platforms() {
		names = append(names, p.Name)
	}
	return names
}

func parsePlatforms(s string) ([]abi.Platform, error) {
	if s == "" {
		return abi.Platforms(), nil
	}
	var out []abi.Platform
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "host" {
			out = append(out, abi.Host())
			continue
		}
		p, ok := abi.LookupPlatform(name)
		if !ok {
			return nil, fmt.Errorf("unknown platform %q (known: %s)", name, strings.Join(platformNames(), ", "))
		}
		out = append(out, p)
	}
	return out, nil
}

func parseRules(s string) ([]transcoder.AlignmentRule, error) {
	if s == "" {
		return []transcoder.AlignmentRule{
			transcoder.AlignDefault, transcoder.AlignNone, transcoder.AlignGNUC, transcoder.AlignMSVC,
		}, nil
	}
	var out []transcoder.AlignmentRule
	for _, name := range strings.Split(s, ",") {
		r, err := transcoder.ParseAlignment(name)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
