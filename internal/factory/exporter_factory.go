package factory

import (
	"fmt"
	"log/slog"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// ExporterFactory creates an exporter from its configuration entry.
type ExporterFactory func(def config.ExporterDef, logger *slog.Logger) (model.Exporter, error)

// registry holds the mapping of exporter types to their factory functions.
var registry = make(map[string]ExporterFactory)

// RegisterExporter registers a new exporter type with its factory function.
func RegisterExporter(name string, factory ExporterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("exporter type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered reports whether an exporter type is known.
func Registered(name string) bool {
	_, ok := registry[name]
	return ok
}

// Create builds the enabled exporters of cfg. If only is non-empty, the
// listed types are created regardless of their enabled flag and every
// other type is skipped. On error the exporters created so far are closed.
func Create(cfg *config.Config, logger *slog.Logger, only ...string) ([]model.Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		if !Registered(name) {
			return nil, fmt.Errorf("unknown exporter type: '%s'", name)
		}
		wanted[name] = true
	}

	var exporters []model.Exporter
	fail := func(err error) ([]model.Exporter, error) {
		for _, e := range exporters {
			e.Close()
		}
		return nil, err
	}

	defs := append([]config.ExporterDef(nil), cfg.Exporters...)
	for _, name := range only {
		if !configured(defs, name) {
			defs = append(defs, config.ExporterDef{Type: name})
		}
	}

	for _, def := range defs {
		if len(wanted) > 0 {
			if !wanted[def.Type] {
				continue
			}
		} else if !def.Enabled {
			continue
		}

		factory, ok := registry[def.Type]
		if !ok {
			return fail(fmt.Errorf("unknown exporter type: '%s'", def.Type))
		}
		logger.Info("creating exporter", "type", def.Type)
		e, err := factory(def, logger)
		if err != nil {
			return fail(fmt.Errorf("error creating exporter '%s': %w", def.Type, err))
		}
		exporters = append(exporters, e)
	}
	return exporters, nil
}

func configured(defs []config.ExporterDef, name string) bool {
	for _, d := range defs {
		if d.Type == name {
			return true
		}
	}
	return false
}
