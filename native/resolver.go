// Package native loads a llama.cpp shared library and binds its C entry
// points to Go functions without cgo.
//
// Resolution happens once, at Open. Every logical function is described
// by a FuncSpec: an ordered list of candidate signatures, each naming the
// symbols it needs. The first candidate whose symbols all resolve is bound
// and recorded; later calls never look symbols up again.
package native

import "sync"

// SymbolSource looks up the address of an exported symbol.
type SymbolSource interface {
	Lookup(name string) (uintptr, bool)
}

// MapSource is a SymbolSource backed by a map. Useful for tests and for
// libraries whose symbol table has been dumped ahead of time.
type MapSource map[string]uintptr

// Lookup implements SymbolSource.
func (m MapSource) Lookup(name string) (uintptr, bool) {
	addr, ok := m[name]
	return addr, ok && addr != 0
}

// Signature is one way a logical function can be reached. All Symbols
// must resolve for the signature to match.
type Signature struct {
	ID      string
	Symbols []string
}

// FuncSpec describes one logical native function.
type FuncSpec struct {
	Name       string
	Candidates []Signature
	Optional   bool
}

// Binding is a resolved FuncSpec.
type Binding struct {
	Name    string
	Matched string             // ID of the candidate that resolved
	addrs   map[string]uintptr // symbol -> address
	found   map[string]string  // symbol -> actual exported name
}

// Addr returns the address of one of the matched candidate's symbols.
func (b *Binding) Addr(symbol string) uintptr {
	return b.addrs[symbol]
}

// ExportedAs returns the exported name a symbol was found under, which
// differs from the symbol when a naming variant or mangled alias matched.
func (b *Binding) ExportedAs(symbol string) string {
	return b.found[symbol]
}

// Resolution is the cached outcome of resolving a set of FuncSpecs.
type Resolution struct {
	bindings map[string]*Binding
	missing  []string
}

// Binding returns the binding for a logical function, or nil.
func (r *Resolution) Binding(name string) *Binding {
	return r.bindings[name]
}

// Bound reports whether a logical function resolved.
func (r *Resolution) Bound(name string) bool {
	return r.bindings[name] != nil
}

// Matched returns the candidate ID bound for a logical function, or "".
func (r *Resolution) Matched(name string) string {
	if b := r.bindings[name]; b != nil {
		return b.Matched
	}
	return ""
}

// Unresolved lists optional functions that did not resolve.
func (r *Resolution) Unresolved() []string {
	return append([]string(nil), r.missing...)
}

// mangledAliases maps a C symbol to internal names some builds export it
// under instead. Only consulted after every naming variant failed.
var mangledAliases = map[string][]string{
	"llama_n_ctx":         {"_ZNK13llama_context5n_ctxEv"},
	"llama_kv_self_clear": {"_ZN13llama_context13kv_self_clearEv"},
	"llama_get_memory":    {"_ZNK13llama_context10get_memoryEv"},
}

// NamingVariants returns the exported names tried for a C symbol, in
// priority order.
func NamingVariants(symbol string) []string {
	return []string{"_" + symbol, symbol}
}

// Resolver resolves FuncSpecs against a SymbolSource and caches every
// symbol it looks up.
type Resolver struct {
	src     SymbolSource
	aliases map[string][]string

	mu    sync.Mutex
	cache map[string]lookup
}

type lookup struct {
	addr     uintptr
	exported string
	ok       bool
}

// NewResolver creates a resolver over src using the built-in mangled
// alias table.
func NewResolver(src SymbolSource) *Resolver {
	return &Resolver{
		src:     src,
		aliases: mangledAliases,
		cache:   make(map[string]lookup),
	}
}

// Symbol resolves one C symbol through its naming variants and then its
// mangled aliases. It returns the address and the name that matched.
func (r *Resolver) Symbol(symbol string) (uintptr, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.cache[symbol]; ok {
		return l.addr, l.exported, l.ok
	}

	l := r.lookup(symbol)
	r.cache[symbol] = l
	return l.addr, l.exported, l.ok
}

func (r *Resolver) lookup(symbol string) lookup {
	for _, name := range NamingVariants(symbol) {
		if addr, ok := r.src.Lookup(name); ok {
			return lookup{addr, name, true}
		}
	}
	for _, name := range r.aliases[symbol] {
		if addr, ok := r.src.Lookup(name); ok {
			return lookup{addr, name, true}
		}
	}
	return lookup{}
}

// Resolve binds every spec. The first required spec with no resolvable
// candidate aborts resolution with a *ResolveError.
func (r *Resolver) Resolve(specs []FuncSpec) (*Resolution, error) {
	res := &Resolution{bindings: make(map[string]*Binding, len(specs))}

	for _, spec := range specs {
		b, tried, firstMissing := r.resolveSpec(spec)
		if b != nil {
			res.bindings[spec.Name] = b
			continue
		}
		if spec.Optional {
			res.missing = append(res.missing, spec.Name)
			continue
		}
		return nil, &ResolveError{Function: spec.Name, Symbol: firstMissing, Tried: tried}
	}
	return res, nil
}

func (r *Resolver) resolveSpec(spec FuncSpec) (*Binding, []string, string) {
	var tried []string
	firstMissing := ""

	for _, cand := range spec.Candidates {
		b := &Binding{
			Name:    spec.Name,
			Matched: cand.ID,
			addrs:   make(map[string]uintptr, len(cand.Symbols)),
			found:   make(map[string]string, len(cand.Symbols)),
		}
		complete := true
		for _, sym := range cand.Symbols {
			addr, exported, ok := r.Symbol(sym)
			if !ok {
				tried = append(tried, NamingVariants(sym)...)
				tried = append(tried, r.aliases[sym]...)
				if firstMissing == "" {
					firstMissing = sym
				}
				complete = false
				break
			}
			b.addrs[sym] = addr
			b.found[sym] = exported
		}
		if complete {
			return b, nil, ""
		}
	}
	return nil, tried, firstMissing
}
