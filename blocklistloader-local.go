package heimdall

import (
	"bufio"
	"os"
)

// FileLoader reads blocklist rules from a local file. Used to refresh
// blocklists from a file on the local machine.
type FileLoader struct {
	filename    string
	opt         FileLoaderOptions
	lastSuccess []string
}

// FileLoaderOptions holds options for file blocklist loaders.
type FileLoaderOptions struct {
	// Don't fail when trying to load the list.
	AllowFailure bool
}

var _ BlocklistLoader = &FileLoader{}

func NewFileLoader(filename string, opt FileLoaderOptions) *FileLoader {
	return &FileLoader{filename, opt, nil}
}

func (l *FileLoader) Load() (rules []string, err error) {
	log := Log.WithField("file", l.filename)
	log.Debug("loading blocklist")

	// If AllowFailure is enabled, return the last successfully loaded
	// list and nil.
	defer func() {
		if err != nil && l.opt.AllowFailure {
			log.WithError(err).Warn("failed to load blocklist, continuing with previous ruleset")
			rules = l.lastSuccess
			err = nil
		} else if err == nil {
			l.lastSuccess = rules
		}
	}()

	f, err := os.Open(l.filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rules = append(rules, scanner.Text())
	}
	log.Debug("completed loading blocklist")
	return rules, scanner.Err()
}

// StaticLoader holds a fixed ruleset in memory. It's used for loading
// fixed blocklists from configuration that doesn't get refreshed.
type StaticLoader struct {
	rules []string
}

var _ BlocklistLoader = &StaticLoader{}

func NewStaticLoader(rules []string) *StaticLoader {
	return &StaticLoader{rules}
}

func (l *StaticLoader) Load() ([]string, error) {
	return l.rules, nil
}
