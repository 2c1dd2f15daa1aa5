package sui

import (
	"encoding/json"
	"fmt"

	"educhain-indexer/internal/config"
)

// Filter is a source-side event predicate. The variants are PackageFilter, ModuleFilter
// and EventTypeFilter; the unexported method keeps the set closed.
type Filter interface {
	json.Marshaler
	fmt.Stringer
	eventFilter()
}

// PackageFilter matches events emitted by any module of a package
type PackageFilter struct {
	Package string
}

// ModuleFilter matches events emitted by one module of a package
type ModuleFilter struct {
	Package string
	Module  string
}

// EventTypeFilter matches one fully qualified Move event type (pkg::module::Struct)
type EventTypeFilter struct {
	Type string
}

func (PackageFilter) eventFilter()   {}
func (ModuleFilter) eventFilter()    {}
func (EventTypeFilter) eventFilter() {}

func (f PackageFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"Package": f.Package})
}

func (f ModuleFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]string{
		"MoveModule": {"package": f.Package, "module": f.Module},
	})
}

func (f EventTypeFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"MoveEventType": f.Type})
}

func (f PackageFilter) String() string   { return "package " + f.Package }
func (f ModuleFilter) String() string    { return "module " + f.Package + "::" + f.Module }
func (f EventTypeFilter) String() string { return "event type " + f.Type }

// BuildFilter derives the event filter from static configuration. It does no I/O.
func BuildFilter(cfg config.IndexerConfig) (Filter, error) {
	switch cfg.FilterMode {
	case config.FilterModePackage, "":
		if cfg.PackageID == "" {
			return nil, &config.ConfigurationError{Field: "sui.package_id"}
		}
		return PackageFilter{Package: cfg.PackageID}, nil
	case config.FilterModeModule:
		if cfg.PackageID == "" {
			return nil, &config.ConfigurationError{Field: "sui.package_id"}
		}
		module := cfg.ModuleName
		if module == "" {
			module = config.DefaultModuleName
		}
		return ModuleFilter{Package: cfg.PackageID, Module: module}, nil
	case config.FilterModeEventType:
		if cfg.EventType == "" {
			return nil, &config.ConfigurationError{
				Field:  "indexer.event_type",
				Reason: "required when indexer.filter_mode=eventType (INDEXER_EVENT_TYPE)",
			}
		}
		return EventTypeFilter{Type: cfg.EventType}, nil
	default:
		return nil, &config.ConfigurationError{
			Field:  "indexer.filter_mode",
			Reason: fmt.Sprintf("unknown mode %q (want package, module or eventType)", cfg.FilterMode),
		}
	}
}
