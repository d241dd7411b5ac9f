package kernel

import "github.com/HapticTide/iOS-DebugProbe/internal/apierr"

// color is the tri-color marking used by the depth-first topological sort.
type color int

const (
	white color = iota // unvisited
	grey               // on the current DFS stack
	black              // fully processed
)

// startOrder computes a dependency-respecting start order: every plugin
// appears after all of its declared dependencies. Uses the standard
// white/grey/black DFS so a back-edge (grey→grey) is detected as a cycle
// rather than infinite-looping. registered is the registration order,
// consulted so that ties (unrelated plugins with no dependency between
// them) resolve deterministically.
func startOrder(plugins map[string]Plugin, registered []string) ([]string, error) {
	colors := make(map[string]color, len(plugins))
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case black:
			return nil
		case grey:
			return apierr.CircularDependency(id)
		}
		colors[id] = grey
		p, ok := plugins[id]
		if !ok {
			return apierr.PluginNotFound(id)
		}
		for _, dep := range p.Dependencies() {
			if _, ok := plugins[dep]; !ok {
				return apierr.MissingDependency(id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	// Iterate in a stable order (registration order) so the result is
	// deterministic given a fixed registration sequence.
	for _, id := range registered {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// reverse returns order reversed, used to compute the stop sequence.
func reverse(order []string) []string {
	out := make([]string, len(order))
	for i, id := range order {
		out[len(order)-1-i] = id
	}
	return out
}
