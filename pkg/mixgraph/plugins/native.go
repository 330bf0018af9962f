package plugins

import (
	"fmt"
	"plugin"
)

// Opener loads a native plugin library and returns its entry point
type Opener func(path string) (Entry, error)

// openGoPlugin loads a Go plugin built with -buildmode=plugin. Go cannot
// unload shared objects, so a library stays mapped after its last instance
// is unloaded.
func openGoPlugin(path string) (Entry, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("open plugin library: %w", err)
	}

	sym, err := lib.Lookup(EntrySymbol)
	if err != nil {
		return Entry{}, fmt.Errorf("missing %s export: %w", EntrySymbol, err)
	}

	entry, ok := sym.(func() Entry)
	if !ok {
		return Entry{}, fmt.Errorf("%s has type %T, want func() plugins.Entry", EntrySymbol, sym)
	}

	return entry(), nil
}
