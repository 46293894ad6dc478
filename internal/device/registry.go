package device

import "fmt"

// registry maps a configuration-facing model name to a driver constructor.
// New models are added here; no other package needs to know the set of
// supported models.
var registry = map[string]func() Driver{
	"HEM-7361T": func() Driver { return HEM7361T{} },
}

// Lookup resolves a model name to a Driver instance.
func Lookup(model string) (Driver, error) {
	ctor, ok := registry[model]
	if !ok {
		return nil, fmt.Errorf("device: unsupported model %q", model)
	}
	return ctor(), nil
}

// SupportedModels returns the set of recognized model names, for use in
// config validation error messages.
func SupportedModels() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
