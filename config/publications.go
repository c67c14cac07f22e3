package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/teranos/batchpub/errors"
)

// publicationsFile is the [[publications]] section decoded on its own.
// Viper lowercases map keys; selectors and projections name document
// fields, which are case sensitive.
type publicationsFile struct {
	Publications []PublicationConfig `toml:"publications"`
}

// readPublications decodes the publications of one config file. defined is
// false when the file has no publications section.
func readPublications(path string) (pubs []PublicationConfig, defined bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read config file %s", path)
	}
	var f publicationsFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to parse publications in %s", path)
	}
	return f.Publications, md.IsDefined("publications"), nil
}
