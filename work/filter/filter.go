package filter

import (
	"sync"

	"iptv-proxy/work/config"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/parser"

	"github.com/grafana/regexp"
)

// CompiledFilter holds the compiled group patterns of one server group
type CompiledFilter struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// FilterManager manages compiled filters for server groups
type FilterManager struct {
	filters map[string]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[string]*CompiledFilter),
	}
}

// GetOrCreateFilter gets or creates a compiled filter for a server group.
// Invalid patterns are logged and ignored.
func (fm *FilterManager) GetOrCreateFilter(server *config.ServerConfig) *CompiledFilter {
	fm.mu.RLock()
	filter, exists := fm.filters[server.Name]
	fm.mu.RUnlock()
	if exists {
		return filter
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if filter, exists := fm.filters[server.Name]; exists {
		return filter
	}

	filter = &CompiledFilter{
		Include: compileAll(server.Name, "groupInclude", server.GroupInclude),
		Exclude: compileAll(server.Name, "groupExclude", server.GroupExclude),
	}
	fm.filters[server.Name] = filter
	return filter
}

func compileAll(server, field string, patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		compiled, err := regexp.Compile(p)
		if err != nil {
			logger.Error("{filter - GetOrCreateFilter} %s: failed to compile %s '%s': %v", server, field, p, err)
			continue
		}
		logger.Debug("{filter - GetOrCreateFilter} %s: compiled %s '%s'", server, field, p)
		out = append(out, compiled)
	}
	return out
}

// Allows reports whether a channel with the given groups passes the filter.
// With include patterns at least one group must match one of them; any group
// matching an exclude pattern rejects the channel.
func (cf *CompiledFilter) Allows(groups []string) bool {
	if cf == nil {
		return true
	}
	for _, g := range groups {
		for _, re := range cf.Exclude {
			if re.MatchString(g) {
				return false
			}
		}
	}
	if len(cf.Include) == 0 {
		return true
	}
	for _, g := range groups {
		for _, re := range cf.Include {
			if re.MatchString(g) {
				return true
			}
		}
	}
	return false
}

// FilterEntries applies the filter of a server group to parsed playlist entries
func FilterEntries(entries []parser.Entry, filter *CompiledFilter) []parser.Entry {
	if filter == nil || (len(filter.Include) == 0 && len(filter.Exclude) == 0) {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if filter.Allows(e.Groups) {
			out = append(out, e)
		}
	}
	logger.Debug("{filter - FilterEntries} kept %d of %d entries", len(out), len(entries))
	return out
}
