package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lawrencejones/bytesink/pkg/stream"

	"github.com/pkg/errors"
)

// parseLayerFlag parses a layer given on the command line, either as a bare kind or as a
// kind followed by its JSON options:
//
//	--layer buffer:'{"threshold":4096}' --layer xor:'{"key":"5a"}' --layer digest
func parseLayerFlag(value string) (stream.LayerSpec, error) {
	kind, options := value, ""
	if idx := strings.Index(value, ":"); idx >= 0 {
		kind, options = value[:idx], value[idx+1:]
	}

	kind = strings.TrimSpace(kind)
	if kind == "" {
		return stream.LayerSpec{}, fmt.Errorf("layer %q has no kind", value)
	}

	spec := stream.LayerSpec{Kind: kind}
	if options = strings.TrimSpace(options); options != "" {
		if !json.Valid([]byte(options)) {
			return stream.LayerSpec{}, fmt.Errorf("layer %q options are not valid JSON", kind)
		}

		spec.Options = json.RawMessage(options)
	}

	return spec, nil
}

// loadLayerSpecs returns the layers from the layers file, if given, followed by those from
// flags. Either may be empty.
func loadLayerSpecs(path string, flags []string) ([]stream.LayerSpec, error) {
	specs := []stream.LayerSpec{}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open layers file")
		}
		defer file.Close()

		fileSpecs, err := stream.ParseLayerSpecs(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse layers file %s", path)
		}

		specs = append(specs, fileSpecs...)
	}

	for _, flag := range flags {
		spec, err := parseLayerFlag(flag)
		if err != nil {
			return nil, err
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
