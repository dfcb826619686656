package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getbananas/getbananas-web/internal/httpmw"
)

// cspFile is the on-disk shape of -csp-file:
//
//	directives:
//	  script-src: ["'self'", "https://plausible.io"]
//	  img-src: ["'self'", "data:", "https:"]
//
// Listed directives replace the built-in sources, an empty list drops the
// directive from the header.
type cspFile struct {
	Directives map[string][]string `yaml:"directives"`
}

// LoadCSP reads CSP source overrides from a YAML file. An empty path returns nil, nil.
func LoadCSP(path string) (map[string][]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read csp file: %w", err)
	}
	return ParseCSP(b)
}

// ParseCSP decodes and validates CSP overrides.
func ParseCSP(b []byte) (map[string][]string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var f cspFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse csp file: %w", err)
	}

	var errs []error
	for name, sources := range f.Directives {
		if !slices.Contains(httpmw.CSPDirectiveOrder, name) {
			errs = append(errs, fmt.Errorf("unknown csp directive %q", name))
			continue
		}
		for _, src := range sources {
			if src == "" || strings.ContainsAny(src, ";,\r\n\t ") {
				errs = append(errs, fmt.Errorf("csp directive %s: invalid source %q", name, src))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Directives, nil
}
