// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"fmt"
	"slices"
)

// Module is a provider module and its tables.
type Module struct {
	ID     ModuleID
	Tables []Table
}

// Registry is a fixed set of modules, looked up by (module, table).
// A Registry is immutable after NewRegistry and safe for concurrent use.
type Registry struct {
	modules []Module
}

// NewRegistry returns a Registry of mods. It panics on duplicate modules,
// duplicate tables or a table registered with TableSentinel.
func NewRegistry(mods ...Module) *Registry {
	r := &Registry{}
	for _, m := range mods {
		if !m.ID.IsValid() {
			panic("nsi: invalid module id")
		}
		if slices.ContainsFunc(r.modules, func(o Module) bool { return o.ID == m.ID }) {
			panic(fmt.Sprintf("nsi: duplicate module %v", m.ID))
		}
		seen := map[TableID]bool{}
		for _, t := range m.Tables {
			id := t.ID()
			if id == TableSentinel {
				panic(fmt.Sprintf("nsi: module %v: table uses the sentinel id", m.ID))
			}
			if seen[id] {
				panic(fmt.Sprintf("nsi: module %v: duplicate table %d", m.ID, id))
			}
			seen[id] = true
		}
		r.modules = append(r.modules, Module{ID: m.ID, Tables: slices.Clone(m.Tables)})
	}
	return r
}

// Lookup returns the table registered as (mod, table). Unknown pairs
// return StatusInvalidParameter.
func (r *Registry) Lookup(mod ModuleID, table TableID) (Table, error) {
	if table == TableSentinel {
		return nil, StatusInvalidParameter
	}
	for _, m := range r.modules {
		if m.ID != mod {
			continue
		}
		for _, t := range m.Tables {
			if t.ID() == table {
				return t, nil
			}
		}
		break
	}
	return nil, StatusInvalidParameter
}

// TableRef names one registered table.
type TableRef struct {
	Module ModuleID
	Table  Table
}

// Tables returns every registered table, in registration order.
func (r *Registry) Tables() []TableRef {
	var refs []TableRef
	for _, m := range r.modules {
		for _, t := range m.Tables {
			refs = append(refs, TableRef{Module: m.ID, Table: t})
		}
	}
	return refs
}
